package cred

import (
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/quarryproject/quarry/pkg/wire"
)

// Arg is everything a credential binds. The node agent trusts nothing else:
// the signed form is its sole authority to run a step.
type Arg struct {
	JobID     uint32   `cbor:"1,keyasint"`
	StepID    uint32   `cbor:"2,keyasint"`
	UserID    uint32   `cbor:"3,keyasint"`
	NodeList  []string `cbor:"4,keyasint"`
	CoreBitmap []byte  `cbor:"5,keyasint,omitempty"`
	JobCoreSpec uint16 `cbor:"6,keyasint,omitempty"`
	MemLimit  uint64   `cbor:"7,keyasint,omitempty"`
	CoresPerSocket  []uint16 `cbor:"8,keyasint,omitempty"`
	SocketsPerNode  []uint16 `cbor:"9,keyasint,omitempty"`
	SockCoreRepCount []uint32 `cbor:"10,keyasint,omitempty"`
	GresList  []string `cbor:"11,keyasint,omitempty"`
	ExpiresAt int64    `cbor:"12,keyasint"`
}

type envelope struct {
	KeyID   string `cbor:"1,keyasint"`
	Payload []byte `cbor:"2,keyasint"`
	Sig     []byte `cbor:"3,keyasint"`
}

// Signer mints and verifies credentials with an ed25519 key. RotateKey is
// atomic with respect to new mints; previously minted credentials verify
// against retained old public keys until they expire.
type Signer struct {
	mu      sync.RWMutex
	keyID   string
	priv    ed25519.PrivateKey
	pubs    map[string]ed25519.PublicKey
	maxAge  time.Duration
}

// NewSigner creates a signer with a fresh key.
func NewSigner() (*Signer, error) {
	s := &Signer{
		pubs:   make(map[string]ed25519.PublicKey),
		maxAge: 24 * time.Hour,
	}
	if err := s.rotate(nil); err != nil {
		return nil, err
	}
	return s, nil
}

// NewSignerFromKey creates a signer with the given private key (loaded from
// the controller's key file).
func NewSignerFromKey(priv ed25519.PrivateKey) (*Signer, error) {
	s := &Signer{
		pubs:   make(map[string]ed25519.PublicKey),
		maxAge: 24 * time.Hour,
	}
	if err := s.rotate(priv); err != nil {
		return nil, err
	}
	return s, nil
}

// RotateKey swaps the signing key without restart. A nil key generates one.
func (s *Signer) RotateKey(priv ed25519.PrivateKey) error {
	return s.rotate(priv)
}

func (s *Signer) rotate(priv ed25519.PrivateKey) error {
	if priv == nil {
		_, generated, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			return fmt.Errorf("failed to generate credential key: %v", err)
		}
		priv = generated
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keyID = uuid.New().String()
	s.priv = priv
	s.pubs[s.keyID] = priv.Public().(ed25519.PublicKey)
	return nil
}

// Mint signs the canonical serialization of arg.
func (s *Signer) Mint(arg *Arg) ([]byte, error) {
	payload, err := wire.Marshal(arg)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize credential: %v", err)
	}

	s.mu.RLock()
	env := envelope{
		KeyID:   s.keyID,
		Payload: payload,
		Sig:     ed25519.Sign(s.priv, payload),
	}
	s.mu.RUnlock()

	return wire.Marshal(env)
}

// Verify checks the signature over the canonical serialization and rejects
// expired credentials.
func (s *Signer) Verify(signed []byte, now time.Time) (*Arg, error) {
	var env envelope
	if err := wire.Unmarshal(signed, &env); err != nil {
		return nil, wire.Errf(wire.ErrCredentialInvalid, "malformed credential: %v", err)
	}

	s.mu.RLock()
	pub, ok := s.pubs[env.KeyID]
	s.mu.RUnlock()
	if !ok {
		return nil, wire.Err(wire.ErrCredentialInvalid)
	}
	if !ed25519.Verify(pub, env.Payload, env.Sig) {
		return nil, wire.Err(wire.ErrCredentialInvalid)
	}

	var arg Arg
	if err := wire.Unmarshal(env.Payload, &arg); err != nil {
		return nil, wire.Errf(wire.ErrCredentialInvalid, "malformed credential payload: %v", err)
	}
	if arg.ExpiresAt != 0 && now.Unix() > arg.ExpiresAt {
		return nil, wire.Err(wire.ErrCredentialRevoked)
	}
	return &arg, nil
}
