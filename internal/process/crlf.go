package process

// crNormalizer rewrites "\r\n" and lone "\r" to "\n" across consecutive
// reads. A trailing "\r" is held back until the next byte shows whether it
// starts a "\r\n" pair.
type crNormalizer struct {
	pendingCR bool
}

func (n *crNormalizer) Normalize(p []byte) []byte {
	out := make([]byte, 0, len(p)+1)
	for _, c := range p {
		if n.pendingCR {
			n.pendingCR = false
			out = append(out, '\n')
			if c == '\n' {
				continue
			}
		}
		if c == '\r' {
			n.pendingCR = true
			continue
		}
		out = append(out, c)
	}
	return out
}

func (n *crNormalizer) Flush() []byte {
	if !n.pendingCR {
		return nil
	}
	n.pendingCR = false
	return []byte{'\n'}
}
