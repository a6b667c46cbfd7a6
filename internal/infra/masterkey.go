package infra

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"fmt"

	kms "cloud.google.com/go/kms/apiv1"
	kmspb "cloud.google.com/go/kms/apiv1/kmspb"
	"github.com/awnumar/memguard"

	"envelope-key-service/internal/domain"
)

// KMSMasterKey はCloud KMSをマスターKEKとして鍵素材をラップ/アンラップする。
type KMSMasterKey struct {
	client  *kms.KeyManagementClient
	keyName string
}

// NewKMSMasterKey は新しいKMSMasterKeyを生成する。
func NewKMSMasterKey(ctx context.Context, keyName string) (*KMSMasterKey, error) {
	if keyName == "" {
		return nil, fmt.Errorf("KMS_KEY_NAME is required for the gcpkms master key provider")
	}

	client, err := kms.NewKeyManagementClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("creating KMS client: %w", err)
	}

	return &KMSMasterKey{
		client:  client,
		keyName: keyName,
	}, nil
}

// Wrap は鍵素材をCloud KMSで暗号化する。
func (m *KMSMasterKey) Wrap(ctx context.Context, plaintext []byte) ([]byte, error) {
	req := &kmspb.EncryptRequest{
		Name:      m.keyName,
		Plaintext: plaintext,
	}
	resp, err := m.client.Encrypt(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("wrapping with Cloud KMS: %w", err)
	}
	return resp.Ciphertext, nil
}

// Unwrap はラップ済み鍵素材をCloud KMSで復号する。
func (m *KMSMasterKey) Unwrap(ctx context.Context, wrapped []byte) ([]byte, error) {
	req := &kmspb.DecryptRequest{
		Name:       m.keyName,
		Ciphertext: wrapped,
	}
	resp, err := m.client.Decrypt(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("unwrapping with Cloud KMS: %w", err)
	}
	return resp.Plaintext, nil
}

// Close はKMSクライアントを閉じる。
func (m *KMSMasterKey) Close() error {
	return m.client.Close()
}

// LocalMasterKey は環境変数で注入されたAES-256鍵をマスターKEKとして
// 鍵素材をラップ/アンラップする。開発・テスト向け。
type LocalMasterKey struct {
	aead cipher.AEAD
}

// NewLocalMasterKey は16進表現の32バイト鍵からLocalMasterKeyを生成する。
func NewLocalMasterKey(hexKey string) (*LocalMasterKey, error) {
	raw, err := hex.DecodeString(hexKey)
	if err != nil {
		return nil, fmt.Errorf("decoding master key: %w", err)
	}
	if len(raw) != 32 {
		return nil, fmt.Errorf("master key must be 32 bytes, got %d", len(raw))
	}
	defer memguard.WipeBytes(raw)

	block, err := aes.NewCipher(raw)
	if err != nil {
		return nil, fmt.Errorf("creating cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("creating GCM: %w", err)
	}
	return &LocalMasterKey{aead: aead}, nil
}

// Wrap は鍵素材をAES-GCMで暗号化する。出力の先頭はnonce。
func (m *LocalMasterKey) Wrap(ctx context.Context, plaintext []byte) ([]byte, error) {
	nonce := make([]byte, m.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generating nonce: %w", err)
	}
	return m.aead.Seal(nonce, nonce, plaintext, nil), nil
}

// Unwrap はラップ済み鍵素材をAES-GCMで復号する。
func (m *LocalMasterKey) Unwrap(ctx context.Context, wrapped []byte) ([]byte, error) {
	if len(wrapped) <= m.aead.NonceSize() {
		return nil, fmt.Errorf("%w: wrapped key too short", domain.ErrIntegrityCheckFailed)
	}
	nonce, ciphertext := wrapped[:m.aead.NonceSize()], wrapped[m.aead.NonceSize():]
	plaintext, err := m.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, domain.ErrIntegrityCheckFailed
	}
	return plaintext, nil
}
