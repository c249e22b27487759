// Package notecrypt protects shared-note ciphertext at rest and gates access
// to it behind per-participant phrases.
//
// Every note gets its own age X25519 key. The note body is sealed to that key.
// The key itself is stored three ways: wrapped under each participant's phrase
// with an age scrypt recipient, and escrowed to the server's master key so a
// participant who sets a phrase later can be given their own wrapped copy.
// Phrase checks use a bcrypt verifier so a wrong phrase is rejected without
// running scrypt.
package notecrypt

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"filippo.io/age"
	"golang.org/x/crypto/bcrypt"

	"securechat/internal/models"
)

// Sealer holds the master escrow identity and the work factors used for
// new verifiers and wrapped keys.
type Sealer struct {
	master     *age.X25519Identity
	workFactor int
	bcryptCost int
}

// New parses masterKey (an AGE-SECRET-KEY-1 string). An empty masterKey
// generates a fresh identity; notes escrowed under it do not survive a restart.
func New(masterKey string, scryptWorkFactor, bcryptCost int) (*Sealer, error) {
	var (
		master *age.X25519Identity
		err    error
	)
	if masterKey == "" {
		master, err = age.GenerateX25519Identity()
	} else {
		master, err = age.ParseX25519Identity(masterKey)
	}
	if err != nil {
		return nil, fmt.Errorf("loading master key: %w", err)
	}
	return &Sealer{master: master, workFactor: scryptWorkFactor, bcryptCost: bcryptCost}, nil
}

// MasterKey returns the secret form of the master identity.
func (s *Sealer) MasterKey() string {
	return s.master.String()
}

// NoteKey is an unwrapped per-note identity. It lives only for the duration
// of a single operation.
type NoteKey struct {
	identity *age.X25519Identity
}

// Recipient is the public half that note content is sealed to.
func (k *NoteKey) Recipient() string {
	return k.identity.Recipient().String()
}

// Envelope is the at-rest form of a new note.
type Envelope struct {
	Recipient string
	Sealed    []byte
	Escrow    []byte
}

// NewEnvelope generates a note key, seals content to it, and escrows the key
// to the master identity.
func (s *Sealer) NewEnvelope(content []byte) (*Envelope, *NoteKey, error) {
	id, err := age.GenerateX25519Identity()
	if err != nil {
		return nil, nil, fmt.Errorf("generating note key: %w", err)
	}
	key := &NoteKey{identity: id}

	sealed, err := encrypt(content, id.Recipient())
	if err != nil {
		return nil, nil, fmt.Errorf("sealing note content: %w", err)
	}
	escrow, err := encrypt([]byte(id.String()), s.master.Recipient())
	if err != nil {
		return nil, nil, fmt.Errorf("escrowing note key: %w", err)
	}
	return &Envelope{Recipient: key.Recipient(), Sealed: sealed, Escrow: escrow}, key, nil
}

// Recover unwraps an escrowed note key with the master identity.
func (s *Sealer) Recover(escrow []byte) (*NoteKey, error) {
	plain, err := decrypt(escrow, s.master)
	if err != nil {
		return nil, fmt.Errorf("%w: recovering note key: %v", models.ErrInternal, err)
	}
	return parseKey(plain)
}

// Wrap encrypts the note key under a phrase-derived scrypt recipient.
func (s *Sealer) Wrap(key *NoteKey, phrase string) ([]byte, error) {
	r, err := age.NewScryptRecipient(phrase)
	if err != nil {
		return nil, fmt.Errorf("creating scrypt recipient: %w", err)
	}
	r.SetWorkFactor(s.workFactor)

	wrapped, err := encrypt([]byte(key.identity.String()), r)
	if err != nil {
		return nil, fmt.Errorf("wrapping note key: %w", err)
	}
	return wrapped, nil
}

// Unwrap reverses Wrap. A phrase that does not open the key yields
// models.ErrPhraseMismatch.
func (s *Sealer) Unwrap(wrapped []byte, phrase string) (*NoteKey, error) {
	id, err := age.NewScryptIdentity(phrase)
	if err != nil {
		return nil, fmt.Errorf("creating scrypt identity: %w", err)
	}

	plain, err := decrypt(wrapped, id)
	if err != nil {
		var noMatch *age.NoIdentityMatchError
		if errors.As(err, &noMatch) {
			return nil, models.ErrPhraseMismatch
		}
		return nil, fmt.Errorf("%w: unwrapping note key: %v", models.ErrInternal, err)
	}
	return parseKey(plain)
}

// Open decrypts sealed note content.
func (s *Sealer) Open(sealed []byte, key *NoteKey) ([]byte, error) {
	plain, err := decrypt(sealed, key.identity)
	if err != nil {
		return nil, fmt.Errorf("%w: opening note content: %v", models.ErrInternal, err)
	}
	return plain, nil
}

// Reseal seals replacement content to an existing note recipient.
func (s *Sealer) Reseal(content []byte, recipient string) ([]byte, error) {
	r, err := age.ParseX25519Recipient(recipient)
	if err != nil {
		return nil, fmt.Errorf("%w: parsing note recipient: %v", models.ErrInternal, err)
	}
	return encrypt(content, r)
}

// Verifier derives the stored check value for phrase.
func (s *Sealer) Verifier(phrase string) ([]byte, error) {
	v, err := bcrypt.GenerateFromPassword([]byte(phrase), s.bcryptCost)
	if err != nil {
		return nil, fmt.Errorf("deriving verifier: %w", err)
	}
	return v, nil
}

// Verify reports whether phrase matches verifier.
func (s *Sealer) Verify(verifier []byte, phrase string) bool {
	return bcrypt.CompareHashAndPassword(verifier, []byte(phrase)) == nil
}

func parseKey(plain []byte) (*NoteKey, error) {
	id, err := age.ParseX25519Identity(string(bytes.TrimSpace(plain)))
	if err != nil {
		return nil, fmt.Errorf("%w: parsing note key: %v", models.ErrInternal, err)
	}
	return &NoteKey{identity: id}, nil
}

func encrypt(plain []byte, recipient age.Recipient) ([]byte, error) {
	var buf bytes.Buffer
	w, err := age.Encrypt(&buf, recipient)
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(plain); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decrypt(ciphertext []byte, identity age.Identity) ([]byte, error) {
	r, err := age.Decrypt(bytes.NewReader(ciphertext), identity)
	if err != nil {
		return nil, err
	}
	return io.ReadAll(r)
}
