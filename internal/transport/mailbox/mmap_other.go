//go:build !unix

package mailbox

func mapFile(path string, size int, create bool) ([]byte, error) {
	return nil, ErrUnsupported
}

func unmapFile(mem []byte) error {
	return nil
}
