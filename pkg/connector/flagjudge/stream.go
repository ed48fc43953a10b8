package flagjudge

import (
	"bytes"
	"encoding/json"
	"strings"

	connerrors "github.com/flageval/flagjudge/pkg/connector/errors"
)

// fragmentDelimiter terminates each complete JSON fragment in the judge's
// response stream.
const fragmentDelimiter = '\x00'

// fragmentExcerptLimit caps how much of an offending fragment is carried in
// decode errors and logs.
const fragmentExcerptLimit = 200

// splitFragments appends p to buf and splits off every complete fragment.
// It returns the delimiter-terminated fragments without their delimiters and
// the remaining bytes of the trailing, still unterminated fragment. Bytes in
// the remainder are never parsed; they either complete on a later call or are
// discarded at end of stream.
func splitFragments(buf, p []byte) (fragments [][]byte, rest []byte) {
	rest = append(buf, p...)
	for {
		i := bytes.IndexByte(rest, fragmentDelimiter)
		if i < 0 {
			return fragments, rest
		}
		fragments = append(fragments, rest[:i])
		rest = rest[i+1:]
	}
}

// judgeFragment is the wire shape of one stream fragment.
// Text is a pointer so a fragment missing the field can be told apart from
// one carrying an empty string.
type judgeFragment struct {
	Text *string `json:"text"`
}

// streamDecoder accumulates response bytes and tracks the running judgment.
// Each Evaluate call owns its own decoder, so the type needs no locking.
type streamDecoder struct {
	buf       []byte
	judgment  string
	fragments int
}

// consume feeds a chunk of response bytes to the decoder. Every fragment
// completed by the chunk is decoded immediately and its trimmed text replaces
// the running judgment. A malformed fragment fails the whole stream.
func (d *streamDecoder) consume(p []byte) error {
	fragments, rest := splitFragments(d.buf, p)
	d.buf = rest

	for _, frag := range fragments {
		var parsed judgeFragment
		if err := json.Unmarshal(frag, &parsed); err != nil {
			return &connerrors.DecodeError{
				Fragment: excerpt(frag),
				Message:  "malformed fragment",
				Err:      err,
			}
		}
		if parsed.Text == nil {
			return &connerrors.DecodeError{
				Fragment: excerpt(frag),
				Message:  "missing text field",
			}
		}
		d.judgment = strings.TrimSpace(*parsed.Text)
		d.fragments++
	}

	return nil
}

// pending returns the number of buffered bytes that never completed into a
// fragment. Non-zero at end of stream means the judge was cut off mid-write.
func (d *streamDecoder) pending() int { return len(d.buf) }

// excerpt truncates a fragment for inclusion in errors and logs.
func excerpt(frag []byte) string {
	if len(frag) > fragmentExcerptLimit {
		return string(frag[:fragmentExcerptLimit]) + "..."
	}
	return string(frag)
}
