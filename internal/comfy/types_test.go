package comfy

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalizeNodeID(t *testing.T) {
	tests := []struct {
		name string
		in   any
		want string
	}{
		{"nil", nil, ""},
		{"string", "58", "58"},
		{"string with spaces", " 58 ", "58"},
		{"integral float", float64(341), "341"},
		{"fractional float", 3.5, "3.5"},
		{"json number", json.Number("42"), "42"},
		{"bool fallback", true, "true"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, normalizeNodeID(tt.in))
		})
	}
}

func TestNodeOutputFilesPreferenceOrder(t *testing.T) {
	out := nodeOutput{
		Videos: []outputFile{{Filename: "clip.mp4"}},
		Gifs:   []outputFile{{Filename: "clip.gif"}},
		Images: []outputFile{{Filename: "frame.png"}},
	}

	files := out.files()
	assert.Equal(t, []string{"clip.mp4", "clip.gif", "frame.png"}, []string{
		files[0].Filename, files[1].Filename, files[2].Filename,
	})
}

func TestNodeOutputFilesSkipsEmptyFilenames(t *testing.T) {
	out := nodeOutput{
		Videos: []outputFile{{Filename: ""}},
		Gifs:   []outputFile{{Filename: "clip.gif"}},
	}

	files := out.files()
	assert.Len(t, files, 1)
	assert.Equal(t, "clip.gif", files[0].Filename)

	assert.Empty(t, nodeOutput{}.files())
}
