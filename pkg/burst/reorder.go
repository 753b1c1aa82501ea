package burst

import "fmt"

// Reorder gathers the first pktLen bytes of every packet into out,
// back to back. It returns the number of bytes written.
func Reorder(out []byte, pkts [][]byte, pktLen int) (int, error) {
	if pktLen <= 0 {
		return 0, fmt.Errorf("reorder: invalid packet length %d", pktLen)
	}
	if need := len(pkts) * pktLen; len(out) < need {
		return 0, fmt.Errorf("reorder: output holds %d bytes, need %d", len(out), need)
	}
	off := 0
	for i, p := range pkts {
		if len(p) < pktLen {
			return off, fmt.Errorf("reorder: packet %d is %d bytes, want %d", i, len(p), pktLen)
		}
		off += copy(out[off:off+pktLen], p[:pktLen])
	}
	return off, nil
}
