// Package keyexchange implements the Key Agreement protocol (C5): an
// RSA-wrapped X25519 exchange, password-gated by PBKDF2, with HKDF-SHA512
// deriving the two AEAD session keys. Grounded on
// mirrorx_core/src/api/signaling/key_exchange.rs's agree_ephemeral: each
// side salts its sealing key with its own nonce and its opening key with
// the peer's nonce, so the active side's sealing key agrees with the
// passive side's opening key and vice versa.
package keyexchange

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/sha512"
	"fmt"

	"github.com/nimbusdesk/core/internal/coreerr"
	"github.com/nimbusdesk/core/pkg/model"
	"github.com/vmihailenco/msgpack/v5"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/pbkdf2"
)

const (
	pbkdf2Iterations = 10000
	pbkdf2KeyLen     = 32
	rsaKeyBits       = 4096
)

// ActiveSecret is the active side's payload, RSA-encrypted-free (it travels
// AEAD-wrapped, not RSA-wrapped — only the passive side's reply is
// RSA-wrapped, per spec §4.5 step 7).
type ActiveSecret struct {
	ReplyRSAPubN []byte
	ReplyRSAPubE int
	X25519PubA   [32]byte
	NonceA       [12]byte
}

// PassiveSecret is the passive side's reply payload, RSA-encrypted to the
// active side's ephemeral reply key.
type PassiveSecret struct {
	X25519PubB [32]byte
	NonceB     [12]byte
}

// Request is the KeyExchangeRequest sent through the portal (spec §6).
type Request struct {
	ActiveDeviceID  int64
	PassiveDeviceID int64
	PasswordSalt    [16]byte
	Secret          []byte // AES-256-GCM-sealed ActiveSecret
	SecretNonce     [12]byte
}

// ActiveState holds the active side's ephemeral key material between
// Begin and Finish.
type ActiveState struct {
	x25519Priv [32]byte
	replyPriv  *rsa.PrivateKey
	nonceA     [12]byte
}

// Begin runs the active side's steps 1-6 of spec §4.5: generates ephemeral
// X25519 and RSA-4096 reply key pairs, wraps ActiveSecret under a
// password-derived AEAD key, and returns the Request to send through the
// portal alongside the state needed to process the reply.
func Begin(activeDeviceID, passiveDeviceID int64, password string) (*ActiveState, *Request, error) {
	var x25519Priv [32]byte
	if _, err := rand.Read(x25519Priv[:]); err != nil {
		return nil, nil, coreerr.Wrap(coreerr.Other, "keyexchange.Begin: x25519 priv", err)
	}
	var x25519Pub [32]byte
	curve25519.ScalarBaseMult(&x25519Pub, &x25519Priv)

	var nonceA [12]byte
	if _, err := rand.Read(nonceA[:]); err != nil {
		return nil, nil, coreerr.Wrap(coreerr.Other, "keyexchange.Begin: nonce A", err)
	}

	replyPriv, err := rsa.GenerateKey(rand.Reader, rsaKeyBits)
	if err != nil {
		return nil, nil, coreerr.Wrap(coreerr.Other, "keyexchange.Begin: rsa.GenerateKey", err)
	}

	secret := ActiveSecret{
		ReplyRSAPubN: replyPriv.PublicKey.N.Bytes(),
		ReplyRSAPubE: replyPriv.PublicKey.E,
		X25519PubA:   x25519Pub,
		NonceA:       nonceA,
	}
	secretBytes, err := msgpack.Marshal(secret)
	if err != nil {
		return nil, nil, coreerr.Wrap(coreerr.Serialization, "keyexchange.Begin: marshal ActiveSecret", err)
	}

	var salt [16]byte
	if _, err := rand.Read(salt[:]); err != nil {
		return nil, nil, coreerr.Wrap(coreerr.Other, "keyexchange.Begin: salt", err)
	}
	wrapKey := pbkdf2.Key([]byte(password), salt[:], pbkdf2Iterations, pbkdf2KeyLen, sha256.New)

	var secretNonce [12]byte
	if _, err := rand.Read(secretNonce[:]); err != nil {
		return nil, nil, coreerr.Wrap(coreerr.Other, "keyexchange.Begin: secret nonce", err)
	}
	aad := deviceIDBytes(activeDeviceID)
	sealed, err := sealAESGCM(wrapKey, secretNonce, secretBytes, aad)
	if err != nil {
		return nil, nil, coreerr.Wrap(coreerr.Other, "keyexchange.Begin: seal ActiveSecret", err)
	}

	req := &Request{
		ActiveDeviceID:  activeDeviceID,
		PassiveDeviceID: passiveDeviceID,
		PasswordSalt:    salt,
		Secret:          sealed,
		SecretNonce:     secretNonce,
	}
	state := &ActiveState{x25519Priv: x25519Priv, replyPriv: replyPriv, nonceA: nonceA}
	return state, req, nil
}

// Finish runs the active side's steps 7-9: RSA-decrypts the reply,
// recovers the passive side's X25519 public key and nonce, computes the
// shared secret, and derives the session's AEAD keys.
//
// Per spec §4.5 step 9, each side's sealing key is salted with its own
// nonce and its opening key is salted with the peer's nonce, so the active
// side's sealing key (salt N_A) agrees with the passive side's opening key
// and vice versa.
func (s *ActiveState) Finish(rsaSealedReply []byte) (model.SessionKeys, error) {
	var zero model.SessionKeys

	plain, err := rsa.DecryptPKCS1v15(rand.Reader, s.replyPriv, rsaSealedReply)
	if err != nil {
		return zero, coreerr.Wrap(coreerr.Other, "keyexchange.Finish: rsa decrypt", err)
	}

	var passive PassiveSecret
	if err := msgpack.Unmarshal(plain, &passive); err != nil {
		return zero, coreerr.Wrap(coreerr.Serialization, "keyexchange.Finish: unmarshal PassiveSecret", err)
	}

	z, err := curve25519.X25519(s.x25519Priv[:], passive.X25519PubB[:])
	if err != nil {
		return zero, coreerr.Wrap(coreerr.Other, "keyexchange.Finish: x25519", err)
	}

	sealingKey, err := hkdfExpand32(s.nonceA[:], z)
	if err != nil {
		return zero, err
	}
	openingKey, err := hkdfExpand32(passive.NonceB[:], z)
	if err != nil {
		return zero, err
	}

	keys := model.SessionKeys{
		OpeningKey:   openingKey,
		SealingKey:   sealingKey,
		OpeningNonce: s.nonceA,
		SealingNonce: passive.NonceB,
	}
	return keys, nil
}

// HandlePassive runs the passive side's mirror of the protocol: unwraps
// the active side's secret using the configured password (an incorrect
// password surfaces coreerr.InvalidPassword, per spec §4.5's failure
// list), generates its own X25519 keypair and nonce, RSA-encrypts its
// reply to the active side's ephemeral reply key, and derives the same
// session keys with the roles reversed.
func HandlePassive(req *Request, password string) (model.SessionKeys, []byte, error) {
	var zero model.SessionKeys

	wrapKey := pbkdf2.Key([]byte(password), req.PasswordSalt[:], pbkdf2Iterations, pbkdf2KeyLen, sha256.New)
	aad := deviceIDBytes(req.ActiveDeviceID)
	secretBytes, err := openAESGCM(wrapKey, req.SecretNonce, req.Secret, aad)
	if err != nil {
		return zero, nil, coreerr.Wrap(coreerr.InvalidPassword, "keyexchange.HandlePassive: unwrap ActiveSecret", err)
	}

	var active ActiveSecret
	if err := msgpack.Unmarshal(secretBytes, &active); err != nil {
		return zero, nil, coreerr.Wrap(coreerr.Serialization, "keyexchange.HandlePassive: unmarshal ActiveSecret", err)
	}

	var x25519PrivB [32]byte
	if _, err := rand.Read(x25519PrivB[:]); err != nil {
		return zero, nil, coreerr.Wrap(coreerr.Other, "keyexchange.HandlePassive: x25519 priv", err)
	}
	var x25519PubB [32]byte
	curve25519.ScalarBaseMult(&x25519PubB, &x25519PrivB)

	var nonceB [12]byte
	if _, err := rand.Read(nonceB[:]); err != nil {
		return zero, nil, coreerr.Wrap(coreerr.Other, "keyexchange.HandlePassive: nonce B", err)
	}

	z, err := curve25519.X25519(x25519PrivB[:], active.X25519PubA[:])
	if err != nil {
		return zero, nil, coreerr.Wrap(coreerr.Other, "keyexchange.HandlePassive: x25519", err)
	}

	// Mirrors Finish: sealing key salted with this side's own nonce (N_B),
	// opening key salted with the peer's nonce (N_A), so both directions
	// agree: active.sealing == passive.opening (salt N_A),
	// active.opening == passive.sealing (salt N_B).
	sealingKey, err := hkdfExpand32(nonceB[:], z)
	if err != nil {
		return zero, nil, err
	}
	openingKey, err := hkdfExpand32(active.NonceA[:], z)
	if err != nil {
		return zero, nil, err
	}

	keys := model.SessionKeys{
		SealingKey:   sealingKey,
		OpeningKey:   openingKey,
		SealingNonce: active.NonceA,
		OpeningNonce: nonceB,
	}

	reply := PassiveSecret{X25519PubB: x25519PubB, NonceB: nonceB}
	replyBytes, err := msgpack.Marshal(reply)
	if err != nil {
		return zero, nil, coreerr.Wrap(coreerr.Serialization, "keyexchange.HandlePassive: marshal PassiveSecret", err)
	}

	replyPub := rsaPublicKeyFrom(active.ReplyRSAPubN, active.ReplyRSAPubE)
	sealedReply, err := rsa.EncryptPKCS1v15(rand.Reader, replyPub, replyBytes)
	if err != nil {
		return zero, nil, coreerr.Wrap(coreerr.Other, "keyexchange.HandlePassive: rsa encrypt reply", err)
	}

	return keys, sealedReply, nil
}

func hkdfExpand32(salt, ikm []byte) ([32]byte, error) {
	var out [32]byte
	reader := hkdf.New(sha512.New, ikm, salt, nil)
	if _, err := fillFull(reader, out[:]); err != nil {
		return out, coreerr.Wrap(coreerr.Other, "keyexchange: hkdf expand", err)
	}
	return out, nil
}

func fillFull(r interface{ Read([]byte) (int, error) }, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := r.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
		if n == 0 {
			return total, fmt.Errorf("short read from hkdf reader")
		}
	}
	return total, nil
}

func deviceIDBytes(id int64) []byte {
	b := make([]byte, 8)
	for i := 0; i < 8; i++ {
		b[i] = byte(id >> (8 * i))
	}
	return b
}

func rsaPublicKeyFrom(n []byte, e int) *rsa.PublicKey {
	pub := &rsa.PublicKey{E: e}
	pub.N = bigIntFromBytes(n)
	return pub
}
