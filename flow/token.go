package flow

import (
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"net/netip"

	"braces.dev/errtrace"
	"golang.org/x/crypto/chacha20poly1305"

	"github.com/ghettovoice/sipcore/internal/errorutil"
	"github.com/ghettovoice/sipcore/transport"
)

// TokenKeySize is the size of the flow token key.
const TokenKeySize = chacha20poly1305.KeySize

// TokenCodec seals flow keys into opaque tokens that can be placed into
// Via, Path or Record-Route parameters without exposing or trusting the flow identity.
type TokenCodec struct {
	aead cipher.AEAD
}

// NewTokenCodec creates a new [TokenCodec] with a [TokenKeySize] bytes long key.
// Nil key generates a random one, tokens then live as long as the process.
func NewTokenCodec(key []byte) (*TokenCodec, error) {
	if key == nil {
		key = make([]byte, TokenKeySize)
		if _, err := rand.Read(key); err != nil {
			return nil, errtrace.Wrap(err)
		}
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, errtrace.Wrap(errorutil.NewInvalidArgumentError(err))
	}
	return &TokenCodec{aead: aead}, nil
}

// Encode seals the flow key.
func (c *TokenCodec) Encode(k Key) string {
	plain := marshalKey(k)
	nonce := make([]byte, c.aead.NonceSize(), c.aead.NonceSize()+len(plain)+c.aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		panic(err)
	}
	sealed := c.aead.Seal(nonce, nonce, plain, nil)
	return base64.RawURLEncoding.EncodeToString(sealed)
}

// Decode authenticates and opens the token.
func (c *TokenCodec) Decode(token string) (Key, error) {
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return Key{}, errtrace.Wrap(errorutil.NewWrapperError(ErrInvalidFlowToken, err))
	}
	if len(raw) < c.aead.NonceSize()+c.aead.Overhead() {
		return Key{}, errtrace.Wrap(errorutil.NewWrapperError(ErrInvalidFlowToken, "token is too short"))
	}
	nonce, sealed := raw[:c.aead.NonceSize()], raw[c.aead.NonceSize():]
	plain, err := c.aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return Key{}, errtrace.Wrap(errorutil.NewWrapperError(ErrInvalidFlowToken, err))
	}
	k, ok := unmarshalKey(plain)
	if !ok {
		return Key{}, errtrace.Wrap(errorutil.NewWrapperError(ErrInvalidFlowToken, "malformed payload"))
	}
	return k, nil
}

// marshalKey encodes the key as length prefixed local address, remote address and transport.
func marshalKey(k Key) []byte {
	var buf []byte
	for _, ap := range []netip.AddrPort{k.Local, k.Remote} {
		b, _ := ap.MarshalBinary()
		buf = append(buf, byte(len(b)))
		buf = append(buf, b...)
	}
	return append(buf, string(k.Proto)...)
}

func unmarshalKey(b []byte) (Key, bool) {
	var aps [2]netip.AddrPort
	for i := range aps {
		if len(b) == 0 || len(b) < 1+int(b[0]) {
			return Key{}, false
		}
		n := int(b[0])
		if err := aps[i].UnmarshalBinary(b[1 : 1+n]); err != nil {
			return Key{}, false
		}
		b = b[1+n:]
	}
	proto, ok := transport.ParseProto(string(b))
	if !ok {
		return Key{}, false
	}
	return Key{Local: aps[0], Remote: aps[1], Proto: proto}, true
}
