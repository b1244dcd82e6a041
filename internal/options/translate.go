package options

// EmulateRaspicamKey marks a Params bag written in the raspistill vocabulary.
const EmulateRaspicamKey = "emulateraspicam"

// raspicamParameters maps raspistill parameter names to native option names.
// An empty target means the parameter has no native equivalent and is dropped.
var raspicamParameters = map[string]string{
	"w":   KeyWidth,
	"h":   KeyHeight,
	"t":   KeyTimeout,
	"tl":  KeyTimelapse,
	"o":   KeyOutput,
	"e":   KeyEncoding,
	"q":   "quality",
	"d":   "device",
	"br":  "brightness",
	"co":  "contrast",
	"sa":  "saturation",
	"sh":  "",
	"ISO": "",
	"ex":  "",
	"awb": "",
	"ifx": "",
	"cfx": "",
	"mm":  "",
	"rot": "",
	"roi": "",
	"th":  "",
	"x":   "",
	"r":   "",
	"ev":  "",
	"vs":  "",
}

// raspicamFlags maps raspistill boolean switches to native flag names.
var raspicamFlags = map[string]string{
	"v":   "verbose",
	"vf":  "vflip",
	"hf":  "hflip",
	"n":   "nopreview",
	"rgb": "yuyv",
	"k":   "keypress",
}

// IsRaspicam reports whether p carries the compatibility marker.
func IsRaspicam(p Params) bool {
	_, ok := p[EmulateRaspicamKey]
	return ok
}

// Translate rewrites a raspistill-style bag into the native vocabulary.
// Keys found in neither table pass through unchanged. The marker key is
// always removed. The input is not modified.
func Translate(p Params) Params {
	out := make(Params, len(p))
	for key, value := range p {
		if key == EmulateRaspicamKey {
			continue
		}

		if target, ok := raspicamParameters[key]; ok {
			if target != "" {
				out[target] = value
			}
			continue
		}

		if target, ok := raspicamFlags[key]; ok {
			out[target] = value
			continue
		}

		// A translated value wins over an untranslated duplicate.
		if _, exists := out[key]; !exists {
			out[key] = value
		}
	}
	return out
}
