package transport_test

import (
	"testing"

	"github.com/pion/stun/v3"
)

func stunBindingRequest(t *testing.T) []byte {
	t.Helper()

	msg, err := stun.Build(stun.TransactionID, stun.BindingRequest)
	if err != nil {
		t.Fatalf("stun.Build() error = %v, want nil", err)
	}
	return msg.Raw
}
