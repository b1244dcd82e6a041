package options

import "strings"

// CurrentDir is the directory used when output has no directory part.
const CurrentDir = "./"

// Paths is the output option split into its directory and file name.
// Directory+Filename always reproduces the output value.
type Paths struct {
	Directory string `json:"directory"`
	Filename  string `json:"filename"`
}

// DerivePaths splits output on its last '/'. The separator stays with the
// directory.
func DerivePaths(output string) Paths {
	i := strings.LastIndex(output, "/")
	if i < 0 {
		return Paths{Directory: CurrentDir, Filename: output}
	}
	return Paths{Directory: output[:i+1], Filename: output[i+1:]}
}
