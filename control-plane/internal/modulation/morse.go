package modulation

import (
	"encoding/json"
	"strings"
)

// morseCode maps characters to their dot-dash patterns. Unknown characters
// are transmitted as a word gap.
var morseCode = map[rune]string{
	'a': ".-", 'b': "-...", 'c': "-.-.", 'd': "-..", 'e': ".",
	'f': "..-.", 'g': "--.", 'h': "....", 'i': "..", 'j': ".---",
	'k': "-.-", 'l': ".-..", 'm': "--", 'n': "-.", 'o': "---",
	'p': ".--.", 'q': "--.-", 'r': ".-.", 's': "...", 't': "-",
	'u': "..-", 'v': "...-", 'w': ".--", 'x': "-..-", 'y': "-.--",
	'z': "--..",
	'0': "-----", '1': ".----", '2': "..---", '3': "...--", '4': "....-",
	'5': ".....", '6': "-....", '7': "--...", '8': "---..", '9': "----.",
	'.': ".-.-.-", ',': "--..--", '?': "..--..", '/': "-..-.",
	'=': "-...-", '-': "-....-", '@': ".--.-.",
}

// Timing units per PARIS convention: a dot is one unit, a dash three,
// the gap inside a character one, between characters three, between
// words seven. One unit lasts 1.2/WPM seconds.
const (
	dashUnits     = 3
	charGapUnits  = 3
	wordGapUnits  = 7
	intraGapUnits = 1
)

// morseUnits counts timing units needed to key the message.
func morseUnits(message string) int {
	units := 0
	firstChar := true
	for _, word := range strings.Fields(strings.ToLower(message)) {
		if !firstChar {
			units += wordGapUnits
		}
		firstWordChar := true
		for _, r := range word {
			pattern, ok := morseCode[r]
			if !ok {
				continue
			}
			if !firstWordChar {
				units += charGapUnits
			}
			for i, symbol := range pattern {
				if i > 0 {
					units += intraGapUnits
				}
				if symbol == '-' {
					units += dashUnits
				} else {
					units++
				}
			}
			firstWordChar = false
			firstChar = false
		}
	}
	return units
}

// estimateMorse computes the keying duration closed-form from the message
// and WPM, with no per-symbol simulation.
func estimateMorse(payload json.RawMessage) (float64, error) {
	var p MorsePayload
	if err := decodeStrict(payload, &p); err != nil {
		return 0, err
	}
	if err := p.Validate(); err != nil {
		return 0, err
	}
	unitSeconds := 1.2 / float64(p.WPM)
	return float64(morseUnits(p.Message)) * unitSeconds, nil
}
