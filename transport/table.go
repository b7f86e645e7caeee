package transport

import (
	"runtime"
	"sync"
	"weak"
)

// ShareTable is the per-context side table mapping shared buffers to the
// tokens of the memory behind them. Serializers consult it so that a buffer
// received from another context is re-transferred under its original token.
//
// Buffers are held weakly: once a buffer is unreachable its entry is dropped
// and its token released, so a long-lived context does not pin every buffer
// it has ever received.
type ShareTable struct {
	tokens map[weak.Pointer[SharedBuffer]]*Token
	mu     sync.Mutex
	closed bool
}

// NewShareTable creates an empty table.
func NewShareTable() *ShareTable {
	return &ShareTable{
		tokens: make(map[weak.Pointer[SharedBuffer]]*Token),
	}
}

// Adopt records tok as the owner of buf's memory and retains it.
// Adopting a buffer twice keeps the first token.
func (t *ShareTable) Adopt(buf *SharedBuffer, tok *Token) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return
	}
	key := weak.Make(buf)
	if _, ok := t.tokens[key]; ok {
		return
	}
	t.track(buf, key, tok)
}

// track must be called with t.mu held.
func (t *ShareTable) track(buf *SharedBuffer, key weak.Pointer[SharedBuffer], tok *Token) {
	tok.Retain()
	t.tokens[key] = tok
	runtime.AddCleanup(buf, t.drop, key)
}

// drop runs once buf is unreachable.
func (t *ShareTable) drop(key weak.Pointer[SharedBuffer]) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if tok, ok := t.tokens[key]; ok {
		delete(t.tokens, key)
		tok.Release()
	}
}

// Token returns the token recorded for buf.
func (t *ShareTable) Token(buf *SharedBuffer) (*Token, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	tok, ok := t.tokens[weak.Make(buf)]
	return tok, ok
}

// externalize returns buf's token, minting and adopting one on first use.
func (t *ShareTable) externalize(buf *SharedBuffer) *Token {
	t.mu.Lock()
	defer t.mu.Unlock()

	key := weak.Make(buf)
	if tok, ok := t.tokens[key]; ok {
		return tok
	}
	tok := newToken(len(buf.data))
	if !t.closed {
		t.track(buf, key, tok)
	}
	return tok
}

// Forget drops buf from the table and releases its token.
func (t *ShareTable) Forget(buf *SharedBuffer) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	key := weak.Make(buf)
	tok, ok := t.tokens[key]
	if !ok {
		return false
	}
	delete(t.tokens, key)
	tok.Release()
	return true
}

// Len returns the number of tracked buffers.
func (t *ShareTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.tokens)
}

// Close releases every token and stops tracking new buffers.
func (t *ShareTable) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return
	}
	t.closed = true
	for key, tok := range t.tokens {
		tok.Release()
		delete(t.tokens, key)
	}
}
