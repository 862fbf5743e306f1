package auth

import (
	"crypto/hmac"
	"fmt"
	"time"

	"golang.org/x/crypto/blake2b"

	"github.com/quarryproject/quarry/pkg/wire"
)

// Verifier validates the per-request authentication credential. The real
// backend lives outside the core; the controller only consumes this
// interface.
type Verifier interface {
	Verify(credential []byte) (uid, gid uint32, err error)
	ErrorString(credential []byte) string
}

// Role classifies a caller for authorization decisions.
type Role uint8

const (
	RoleUser Role = iota
	RoleOperator
	RoleSuperUser
	RoleAgent // node agent identity
)

func (r Role) String() string {
	switch r {
	case RoleUser:
		return "user"
	case RoleOperator:
		return "operator"
	case RoleSuperUser:
		return "super-user"
	case RoleAgent:
		return "agent"
	}
	return "unknown"
}

// Classifier maps an authenticated uid onto a role from the config's
// operator list and agent identity. Root is the super-user; a nonzero agent
// uid gets the agent role.
type Classifier struct {
	AgentUser uint32
	Operators map[uint32]struct{}
}

// NewClassifier builds a classifier from the config snapshot's fields.
func NewClassifier(agentUser uint32, operators []uint32) *Classifier {
	ops := make(map[uint32]struct{}, len(operators))
	for _, uid := range operators {
		ops[uid] = struct{}{}
	}
	return &Classifier{AgentUser: agentUser, Operators: ops}
}

// Classify returns the caller's role.
func (c *Classifier) Classify(uid uint32) Role {
	switch {
	case uid == 0 || uid == c.AgentUser:
		if uid == c.AgentUser && uid != 0 {
			return RoleAgent
		}
		return RoleSuperUser
	default:
		if _, ok := c.Operators[uid]; ok {
			return RoleOperator
		}
		return RoleUser
	}
}

// IsAtLeast reports whether role grants at least the privilege of min.
// The agent identity carries super-user privilege on node-origin RPCs.
func IsAtLeast(role, min Role) bool {
	rank := func(r Role) int {
		switch r {
		case RoleSuperUser, RoleAgent:
			return 2
		case RoleOperator:
			return 1
		default:
			return 0
		}
	}
	return rank(role) >= rank(min)
}

// token is the HMAC credential's decoded form.
type token struct {
	UID       uint32 `cbor:"1,keyasint"`
	GID       uint32 `cbor:"2,keyasint"`
	CreatedAt int64  `cbor:"3,keyasint"`
	MAC       []byte `cbor:"4,keyasint"`
}

// HMACVerifier is the default Verifier: a keyed BLAKE2b MAC over
// {uid, gid, created_at} with a cluster-shared secret and a freshness
// window. It stands in for the pluggable authentication backend.
type HMACVerifier struct {
	key    []byte
	maxAge time.Duration
	now    func() time.Time
}

// NewHMACVerifier creates a verifier with the cluster-shared key.
func NewHMACVerifier(key []byte) *HMACVerifier {
	return &HMACVerifier{key: key, maxAge: 5 * time.Minute, now: time.Now}
}

// Sign mints a credential for uid/gid; used by clients and by tests.
func (v *HMACVerifier) Sign(uid, gid uint32) ([]byte, error) {
	tk := token{UID: uid, GID: gid, CreatedAt: v.now().Unix()}
	tk.MAC = v.mac(tk)
	return wire.Marshal(tk)
}

// Verify checks the MAC and freshness window.
func (v *HMACVerifier) Verify(credential []byte) (uint32, uint32, error) {
	var tk token
	if err := wire.Unmarshal(credential, &tk); err != nil {
		return 0, 0, wire.Errf(wire.ErrUserIDMissing, "malformed auth credential: %v", err)
	}
	if !hmac.Equal(tk.MAC, v.mac(tk)) {
		return 0, 0, wire.Err(wire.ErrUserIDMissing)
	}
	age := v.now().Sub(time.Unix(tk.CreatedAt, 0))
	if age > v.maxAge || age < -v.maxAge {
		return 0, 0, wire.Errf(wire.ErrUserIDMissing, "auth credential outside freshness window")
	}
	return tk.UID, tk.GID, nil
}

// ErrorString renders a diagnostic for a failing credential.
func (v *HMACVerifier) ErrorString(credential []byte) string {
	if _, _, err := v.Verify(credential); err != nil {
		return err.Error()
	}
	return ""
}

func (v *HMACVerifier) mac(tk token) []byte {
	h, err := blake2b.New256(v.key)
	if err != nil {
		// Only possible with an oversized key; treat as programmer error.
		panic(fmt.Sprintf("auth: bad key: %v", err))
	}
	var buf [16]byte
	put32 := func(off int, x uint32) {
		buf[off] = byte(x >> 24)
		buf[off+1] = byte(x >> 16)
		buf[off+2] = byte(x >> 8)
		buf[off+3] = byte(x)
	}
	put32(0, tk.UID)
	put32(4, tk.GID)
	put32(8, uint32(tk.CreatedAt>>32))
	put32(12, uint32(tk.CreatedAt))
	h.Write(buf[:])
	return h.Sum(nil)
}
