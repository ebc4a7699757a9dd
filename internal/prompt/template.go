// Package prompt renders turn templates around user content. The session
// layer decides which part of a turn a prefill represents; this package
// only produces the marker text.
package prompt

import "inferd/pkg/types"

// ContentType says where in a turn the content sits.
type ContentType int

const (
	// ContentNA disables templating for this call.
	ContentNA ContentType = iota
	// ContentFirst opens a new user turn.
	ContentFirst
	// ContentMiddle continues a user turn already opened.
	ContentMiddle
	// ContentLast closes the user turn and opens the model turn.
	ContentLast
)

// Template holds the turn markers for a model family.
type Template struct {
	BOS         string
	UserPrefix  string
	UserSuffix  string
	ModelPrefix string
}

// Default is a Gemma-style turn template.
func Default() Template {
	return Template{
		BOS:         "<bos>",
		UserPrefix:  "<start_of_turn>user\n",
		UserSuffix:  "<end_of_turn>\n",
		ModelPrefix: "<start_of_turn>model\n",
	}
}

// Apply wraps contents with turn markers. firstTurn additionally emits the
// BOS marker. The returned slice shares the input elements.
func (t Template) Apply(contents []types.InputData, ctype ContentType, firstTurn bool) []types.InputData {
	switch ctype {
	case ContentFirst:
		opener := t.UserPrefix
		if firstTurn {
			opener = t.BOS + opener
		}
		out := make([]types.InputData, 0, len(contents)+1)
		out = append(out, types.InputData{Text: opener})
		return append(out, contents...)
	case ContentLast:
		closer := t.UserSuffix + t.ModelPrefix
		if closer == "" {
			return nil
		}
		out := make([]types.InputData, 0, len(contents)+1)
		for _, c := range contents {
			// A decode-time flush carries a single empty text input; drop
			// it so only the markers remain.
			if c.IsText() && c.Text == "" {
				continue
			}
			out = append(out, c)
		}
		return append(out, types.InputData{Text: closer})
	default:
		return contents
	}
}
