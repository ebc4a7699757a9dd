package tokenizer

import (
	"fmt"

	"inferd/internal/status"
)

// Byte-level vocabulary layout: ids 0..255 are raw bytes, control tokens
// follow.
const (
	byteVocabSize = 256

	BOSID int32 = 256
	EOSID int32 = 257

	BOSToken = "<bos>"
	EOSToken = "<eos>"
)

// ByteLevel is a byte-level tokenizer: every byte of UTF-8 text is one
// token. Multi-byte code points therefore span several tokens, which makes
// it a worst case for streaming detokenization and a faithful stand-in for
// byte-piece vocabularies.
type ByteLevel struct{}

// NewByteLevel returns the byte-level tokenizer.
func NewByteLevel() *ByteLevel { return &ByteLevel{} }

func (t *ByteLevel) TextToIDs(text string) ([]int32, error) {
	ids := make([]int32, 0, len(text))
	for i := 0; i < len(text); i++ {
		ids = append(ids, int32(text[i]))
	}
	return ids, nil
}

func (t *ByteLevel) IDsToText(ids []int32) (string, error) {
	buf := make([]byte, 0, len(ids))
	for _, id := range ids {
		switch {
		case id >= 0 && id < byteVocabSize:
			buf = append(buf, byte(id))
		case id == BOSID || id == EOSID:
			// Control tokens render as nothing.
		default:
			return "", status.NotFoundf("unknown token id %d", id)
		}
	}
	return string(buf), nil
}

func (t *ByteLevel) TokenToID(token string) (int32, bool) {
	switch token {
	case BOSToken:
		return BOSID, true
	case EOSToken:
		return EOSID, true
	}
	if len(token) == 1 {
		return int32(token[0]), true
	}
	return 0, false
}

func (t *ByteLevel) AllTokens() []string {
	out := make([]string, 0, byteVocabSize+2)
	for i := 0; i < byteVocabSize; i++ {
		out = append(out, fmt.Sprintf("<0x%02X>", i))
	}
	out = append(out, BOSToken, EOSToken)
	return out
}
