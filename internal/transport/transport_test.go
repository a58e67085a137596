package transport

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTextOf(t *testing.T) {
	tests := []struct {
		name    string
		payload Payload
		want    string
	}{
		{"conversation", Conversation{Text: "1"}, "1"},
		{"extended text", ExtendedText{Text: "yes please", QuotedID: "abc"}, "yes please"},
		{"image caption", ImageCaption{Caption: "like this"}, "like this"},
		{"image without caption", ImageCaption{}, ""},
		{"unsupported", Unsupported{Kind: "sticker"}, ""},
		{"nil", nil, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, TextOf(tt.payload))
		})
	}
}

func TestMessageTextTrims(t *testing.T) {
	m := Message{Payload: Conversation{Text: "  Chennai \n"}}
	assert.Equal(t, "Chennai", m.Text())
}

func TestContent(t *testing.T) {
	assert.False(t, Text("hi").IsImage())
	assert.True(t, Content{Image: []byte{1}}.IsImage())
}

func TestMemoryKeys(t *testing.T) {
	seed := map[string][]byte{"a": []byte("1")}
	k := NewMemoryKeys(seed)
	seed["b"] = []byte("2")

	assert.Equal(t, 1, k.Len(), "seed map must be copied")

	k.Set("c", []byte("3"))
	v, ok := k.Get("c")
	assert.True(t, ok)
	assert.Equal(t, []byte("3"), v)

	k.Delete("a")
	_, ok = k.Get("a")
	assert.False(t, ok)
}
