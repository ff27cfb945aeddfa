package crypto

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
)

var ErrNotSealed = errors.New("document is not sealed")

// Envelope is the at-rest form of a sealed document. AAD binds the
// ciphertext to the location it was written for.
type Envelope struct {
	KeyID      string `json:"key_id"`
	Nonce      string `json:"nonce"`
	Ciphertext string `json:"ciphertext"`
}

type sealedDoc struct {
	Sealed *Envelope `json:"sealed"`
}

type Manager struct {
	currentKeyID string
	keys         map[string][]byte
}

func NewManager(currentKeyID string, keys map[string][]byte) (*Manager, error) {
	if currentKeyID == "" {
		return nil, fmt.Errorf("current key id is empty")
	}
	if len(keys) == 0 {
		return nil, fmt.Errorf("keys map is empty")
	}
	if _, ok := keys[currentKeyID]; !ok {
		return nil, fmt.Errorf("current key id %q not found", currentKeyID)
	}
	cp := make(map[string][]byte, len(keys))
	for id, key := range keys {
		if len(key) != 32 {
			return nil, fmt.Errorf("key %q must be 32 bytes", id)
		}
		cp[id] = bytes.Clone(key)
	}
	return &Manager{currentKeyID: currentKeyID, keys: cp}, nil
}

func (m *Manager) CurrentKeyID() string { return m.currentKeyID }

func (m *Manager) aead(keyID string) (cipher.AEAD, error) {
	key, ok := m.keys[keyID]
	if !ok {
		return nil, fmt.Errorf("unknown key id %q", keyID)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("new cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("new gcm: %w", err)
	}
	return aead, nil
}

func (m *Manager) Encrypt(plaintext, aad []byte) (Envelope, error) {
	aead, err := m.aead(m.currentKeyID)
	if err != nil {
		return Envelope{}, err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return Envelope{}, fmt.Errorf("nonce: %w", err)
	}
	return Envelope{
		KeyID:      m.currentKeyID,
		Nonce:      base64.StdEncoding.EncodeToString(nonce),
		Ciphertext: base64.StdEncoding.EncodeToString(aead.Seal(nil, nonce, plaintext, aad)),
	}, nil
}

func (m *Manager) Decrypt(env Envelope, aad []byte) ([]byte, error) {
	aead, err := m.aead(env.KeyID)
	if err != nil {
		return nil, err
	}
	nonce, err := base64.StdEncoding.DecodeString(env.Nonce)
	if err != nil {
		return nil, fmt.Errorf("decode nonce: %w", err)
	}
	ciphertext, err := base64.StdEncoding.DecodeString(env.Ciphertext)
	if err != nil {
		return nil, fmt.Errorf("decode ciphertext: %w", err)
	}
	plaintext, err := aead.Open(nil, nonce, ciphertext, aad)
	if err != nil {
		return nil, fmt.Errorf("decrypt: %w", err)
	}
	return plaintext, nil
}

// Seal wraps doc into {"sealed":{...}} under the current key.
func (m *Manager) Seal(doc, aad []byte) ([]byte, error) {
	env, err := m.Encrypt(doc, aad)
	if err != nil {
		return nil, err
	}
	b, err := json.Marshal(sealedDoc{Sealed: &env})
	if err != nil {
		return nil, fmt.Errorf("marshal envelope: %w", err)
	}
	return b, nil
}

// Open reverses Seal. Documents that were never sealed return ErrNotSealed.
func (m *Manager) Open(raw, aad []byte) ([]byte, error) {
	env, ok := Sealed(raw)
	if !ok {
		return nil, ErrNotSealed
	}
	return m.Decrypt(env, aad)
}

// Reseal re-encrypts a sealed document under the current key.
func (m *Manager) Reseal(raw, aad []byte) ([]byte, error) {
	plain, err := m.Open(raw, aad)
	if err != nil {
		return nil, err
	}
	return m.Seal(plain, aad)
}

// Sealed reports whether raw carries an envelope and returns it.
func Sealed(raw []byte) (Envelope, bool) {
	var doc sealedDoc
	if err := json.Unmarshal(raw, &doc); err != nil || doc.Sealed == nil || doc.Sealed.KeyID == "" {
		return Envelope{}, false
	}
	return *doc.Sealed, true
}
