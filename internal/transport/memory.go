package transport

import (
	"net"

	"github.com/rust-Ghost/ShakGPT/internal/crypto"
)

// Pipe returns two connected in-process channels, for tests. Each side
// holds its own key; mismatched keys surface on the first Receive.
func Pipe(clientPSK, serverPSK crypto.PreSharedKey) (client, server *SecureChannel, err error) {
	cc, sc := net.Pipe()

	type result struct {
		ch  *SecureChannel
		err error
	}
	done := make(chan result, 1)
	go func() {
		ch, err := Server(sc, serverPSK, 0)
		done <- result{ch, err}
	}()

	client, err = Client(cc, clientPSK, 0)
	if err != nil {
		cc.Close()
		sc.Close()
		<-done
		return nil, nil, err
	}
	res := <-done
	if res.err != nil {
		cc.Close()
		sc.Close()
		return nil, nil, res.err
	}
	return client, res.ch, nil
}
