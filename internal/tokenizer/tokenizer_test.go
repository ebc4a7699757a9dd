package tokenizer

import (
	"testing"
)

func TestByteLevelRoundTrip(t *testing.T) {
	tok := NewByteLevel()
	for _, text := range []string{"", "hello", "héllo wörld", "日本語テキスト", "mixed русский and 中文"} {
		ids, err := tok.TextToIDs(text)
		if err != nil {
			t.Fatalf("TextToIDs(%q): %v", text, err)
		}
		got, err := tok.IDsToText(ids)
		if err != nil {
			t.Fatalf("IDsToText(%q): %v", text, err)
		}
		if got != text {
			t.Fatalf("round trip %q -> %q", text, got)
		}
	}
}

func TestByteLevelControlTokens(t *testing.T) {
	tok := NewByteLevel()
	id, ok := tok.TokenToID(BOSToken)
	if !ok || id != BOSID {
		t.Fatalf("TokenToID(bos) = %d, %t", id, ok)
	}
	if _, ok := tok.TokenToID("<nope>"); ok {
		t.Fatalf("unknown token resolved")
	}
	text, err := tok.IDsToText([]int32{BOSID, 'h', 'i', EOSID})
	if err != nil || text != "hi" {
		t.Fatalf("control tokens should render empty: %q, %v", text, err)
	}
	if _, err := tok.IDsToText([]int32{9999}); err == nil {
		t.Fatalf("expected error for unknown id")
	}
}

func TestByteLevelVocab(t *testing.T) {
	tok := NewByteLevel()
	all := tok.AllTokens()
	if len(all) != 258 {
		t.Fatalf("vocab size = %d", len(all))
	}
}

func TestStreamDecoderBuffersPartialRunes(t *testing.T) {
	tok := NewByteLevel()
	d := NewStreamDecoder(tok)

	// "é" is 0xC3 0xA9; push the bytes one token at a time.
	out1, err := d.Push([]int32{0xC3})
	if err != nil {
		t.Fatalf("push: %v", err)
	}
	if out1 != "" {
		t.Fatalf("partial rune leaked: %q", out1)
	}
	out2, err := d.Push([]int32{0xA9})
	if err != nil {
		t.Fatalf("push: %v", err)
	}
	if out2 != "é" {
		t.Fatalf("expected é, got %q", out2)
	}
}

func TestStreamDecoderFourByteRune(t *testing.T) {
	tok := NewByteLevel()
	d := NewStreamDecoder(tok)
	// U+1F600 = F0 9F 98 80
	var got string
	for _, b := range []int32{0xF0, 0x9F, 0x98} {
		s, err := d.Push([]int32{b})
		if err != nil {
			t.Fatalf("push: %v", err)
		}
		got += s
	}
	if got != "" {
		t.Fatalf("incomplete emoji leaked: %q", got)
	}
	s, err := d.Push([]int32{0x80})
	if err != nil {
		t.Fatalf("push: %v", err)
	}
	if s != "\U0001F600" {
		t.Fatalf("expected emoji, got %q", s)
	}
}

func TestStreamDecoderAsciiPassThrough(t *testing.T) {
	tok := NewByteLevel()
	d := NewStreamDecoder(tok)
	s, err := d.Push([]int32{'a', 'b', 'c'})
	if err != nil || s != "abc" {
		t.Fatalf("ascii should pass through: %q, %v", s, err)
	}
	if d.Flush() != "" {
		t.Fatalf("nothing should be buffered")
	}
}

func TestStreamDecoderFlush(t *testing.T) {
	tok := NewByteLevel()
	d := NewStreamDecoder(tok)
	if _, err := d.Push([]int32{0xE6}); err != nil {
		t.Fatalf("push: %v", err)
	}
	if got := d.Flush(); got != "\xE6" {
		t.Fatalf("flush = %q", got)
	}
}
