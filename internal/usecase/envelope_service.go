package usecase

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"fmt"

	"github.com/awnumar/memguard"

	"envelope-key-service/internal/domain"
)

// KeyResolver は暗号化・復号に必要な鍵解決のインターフェース。
// 実体はLifecycleService。
type KeyResolver interface {
	ResolveCurrent(ctx context.Context, keyID string) (uint, error)
	KeyMaterial(ctx context.Context, keyID string, version uint) ([]byte, error)
}

// EnvelopeService はエンベロープ暗号化・復号を提供する。
// ペイロードは操作ごとに生成される使い捨てDEKで暗号化し、
// DEK自体を指定バージョンのKEKでラップして暗号文に埋め込む。
// これにより旧暗号文を再暗号化せずにKEKをローテーションできる。
type EnvelopeService struct {
	keys KeyResolver
}

// NewEnvelopeService は新しいEnvelopeServiceを生成する。
func NewEnvelopeService(keys KeyResolver) *EnvelopeService {
	return &EnvelopeService{keys: keys}
}

// gcmSeal はAES-GCMで平文を暗号化する。nonceは呼び出しごとに新規生成する。
func gcmSeal(key, plaintext []byte) (nonce, ciphertext []byte, err error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, nil, fmt.Errorf("creating cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, nil, fmt.Errorf("creating GCM: %w", err)
	}
	nonce = make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, nil, fmt.Errorf("generating nonce: %w", err)
	}
	return nonce, aead.Seal(nil, nonce, plaintext, nil), nil
}

// gcmOpen はAES-GCMで暗号文を復号し、認証タグを検証する。
func gcmOpen(key, nonce, ciphertext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("creating cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("creating GCM: %w", err)
	}
	if len(nonce) != aead.NonceSize() {
		return nil, domain.ErrIntegrityCheckFailed
	}
	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, domain.ErrIntegrityCheckFailed
	}
	return plaintext, nil
}

// Encrypt は指定された鍵IDの現行バージョンで平文をエンベロープ暗号化し、
// 自己記述的な暗号文ブロブと使用した鍵バージョンを返す。
func (s *EnvelopeService) Encrypt(ctx context.Context, keyID string, plaintext []byte) ([]byte, uint, error) {
	version, err := s.keys.ResolveCurrent(ctx, keyID)
	if err != nil {
		return nil, 0, err
	}

	kek, err := s.keys.KeyMaterial(ctx, keyID, version)
	if err != nil {
		return nil, 0, err
	}
	defer memguard.WipeBytes(kek)

	dek := make([]byte, keySize)
	if _, err := rand.Read(dek); err != nil {
		return nil, 0, fmt.Errorf("generating DEK: %w", err)
	}
	defer memguard.WipeBytes(dek)

	payloadNonce, payloadCiphertext, err := gcmSeal(dek, plaintext)
	if err != nil {
		return nil, 0, fmt.Errorf("encrypting payload: %w", err)
	}

	dekNonce, wrappedDEK, err := gcmSeal(kek, dek)
	if err != nil {
		return nil, 0, fmt.Errorf("wrapping DEK: %w", err)
	}

	envelope := &domain.Envelope{
		KeyID:      keyID,
		KeyVersion: version,
		WrappedDEK: append(dekNonce, wrappedDEK...),
		Nonce:      payloadNonce,
		Ciphertext: payloadCiphertext,
	}
	return envelope.Marshal(), version, nil
}

// Decrypt はエンベロープに埋め込まれた鍵ID・バージョンでDEKをアンラップし、
// ペイロードを復号する。埋め込まれたバージョンがretired状態でも復号できる。
// 認証タグの検証に失敗した場合はErrIntegrityCheckFailed。
func (s *EnvelopeService) Decrypt(ctx context.Context, envelope *domain.Envelope) ([]byte, error) {
	kek, err := s.keys.KeyMaterial(ctx, envelope.KeyID, envelope.KeyVersion)
	if err != nil {
		return nil, err
	}
	defer memguard.WipeBytes(kek)

	// ラップ済みDEKの先頭はKEK-GCMのnonce
	if len(envelope.WrappedDEK) <= gcmNonceSize {
		return nil, fmt.Errorf("%w: wrapped DEK too short", domain.ErrInvalidCiphertext)
	}
	dek, err := gcmOpen(kek, envelope.WrappedDEK[:gcmNonceSize], envelope.WrappedDEK[gcmNonceSize:])
	if err != nil {
		return nil, fmt.Errorf("unwrapping DEK: %w", err)
	}
	defer memguard.WipeBytes(dek)

	plaintext, err := gcmOpen(dek, envelope.Nonce, envelope.Ciphertext)
	if err != nil {
		return nil, fmt.Errorf("decrypting payload: %w", err)
	}
	return plaintext, nil
}

// gcmNonceSize はAES-GCMの標準nonce長（バイト）。
const gcmNonceSize = 12
