package domain

import (
	"encoding/binary"
	"fmt"
)

// envelopeFormatVersion はエンベロープ暗号文ブロブのフォーマットバージョン。
const envelopeFormatVersion = 1

// gcmTagSize はAES-GCMの認証タグ長（バイト）。
const gcmTagSize = 16

// Envelope はエンベロープ暗号化の自己記述的な暗号文を表す。
// 復号に必要な鍵ID・鍵バージョン・ラップ済みDEK・nonceを全て内包するため、
// 現行バージョンがどれであるかに依存せず復号できる。
//
// ブロブのバイナリレイアウト:
//
//	[1B フォーマットバージョン]
//	[2B 鍵ID長 (BE)][鍵ID]
//	[4B 鍵バージョン (BE)]
//	[2B ラップ済みDEK長 (BE)][ラップ済みDEK]
//	[1B nonce長][nonce]
//	[認証タグ付き暗号文]
type Envelope struct {
	KeyID      string
	KeyVersion uint
	WrappedDEK []byte
	Nonce      []byte
	Ciphertext []byte
}

// Marshal はエンベロープをバイナリブロブに変換する。
func (e *Envelope) Marshal() []byte {
	buf := make([]byte, 0, 1+2+len(e.KeyID)+4+2+len(e.WrappedDEK)+1+len(e.Nonce)+len(e.Ciphertext))
	buf = append(buf, envelopeFormatVersion)
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(e.KeyID)))
	buf = append(buf, e.KeyID...)
	buf = binary.BigEndian.AppendUint32(buf, uint32(e.KeyVersion))
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(e.WrappedDEK)))
	buf = append(buf, e.WrappedDEK...)
	buf = append(buf, byte(len(e.Nonce)))
	buf = append(buf, e.Nonce...)
	buf = append(buf, e.Ciphertext...)
	return buf
}

// UnmarshalEnvelope はバイナリブロブをエンベロープに変換する。
// フォーマット不正の場合はErrInvalidCiphertextを返す。
func UnmarshalEnvelope(blob []byte) (*Envelope, error) {
	if len(blob) < 1 {
		return nil, fmt.Errorf("%w: empty blob", ErrInvalidCiphertext)
	}
	if blob[0] != envelopeFormatVersion {
		return nil, fmt.Errorf("%w: unsupported format version %d", ErrInvalidCiphertext, blob[0])
	}
	rest := blob[1:]

	if len(rest) < 2 {
		return nil, fmt.Errorf("%w: truncated key ID length", ErrInvalidCiphertext)
	}
	idLen := int(binary.BigEndian.Uint16(rest))
	rest = rest[2:]
	if idLen == 0 || len(rest) < idLen {
		return nil, fmt.Errorf("%w: truncated key ID", ErrInvalidCiphertext)
	}
	keyID := string(rest[:idLen])
	rest = rest[idLen:]

	if len(rest) < 4 {
		return nil, fmt.Errorf("%w: truncated key version", ErrInvalidCiphertext)
	}
	version := uint(binary.BigEndian.Uint32(rest))
	rest = rest[4:]

	if len(rest) < 2 {
		return nil, fmt.Errorf("%w: truncated wrapped DEK length", ErrInvalidCiphertext)
	}
	dekLen := int(binary.BigEndian.Uint16(rest))
	rest = rest[2:]
	if dekLen == 0 || len(rest) < dekLen {
		return nil, fmt.Errorf("%w: truncated wrapped DEK", ErrInvalidCiphertext)
	}
	wrappedDEK := make([]byte, dekLen)
	copy(wrappedDEK, rest[:dekLen])
	rest = rest[dekLen:]

	if len(rest) < 1 {
		return nil, fmt.Errorf("%w: truncated nonce length", ErrInvalidCiphertext)
	}
	nonceLen := int(rest[0])
	rest = rest[1:]
	if nonceLen == 0 || len(rest) < nonceLen {
		return nil, fmt.Errorf("%w: truncated nonce", ErrInvalidCiphertext)
	}
	nonce := make([]byte, nonceLen)
	copy(nonce, rest[:nonceLen])
	rest = rest[nonceLen:]

	if len(rest) < gcmTagSize {
		return nil, fmt.Errorf("%w: ciphertext shorter than authentication tag", ErrInvalidCiphertext)
	}
	ciphertext := make([]byte, len(rest))
	copy(ciphertext, rest)

	return &Envelope{
		KeyID:      keyID,
		KeyVersion: version,
		WrappedDEK: wrappedDEK,
		Nonce:      nonce,
		Ciphertext: ciphertext,
	}, nil
}
