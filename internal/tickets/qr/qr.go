package qr

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"

	"ticket-reservation/internal/models"

	"github.com/google/uuid"
	"github.com/skip2/go-qrcode"
)

// Claims is the sealed content of a redemption token.
type Claims struct {
	BookingID string `json:"booking_id"`
	LineID    string `json:"line_id"`
	Nonce     string `json:"nonce"`
}

type Issuer struct {
	secret []byte
	size   int
}

func NewIssuer(secret string, size int) *Issuer {
	hashed := sha256.Sum256([]byte(secret)) // normalize to 32 bytes
	if size <= 0 {
		size = 256
	}
	return &Issuer{secret: hashed[:], size: size}
}

// Issue seals a fresh token for one booking line. Two calls never return the
// same token.
func (q *Issuer) Issue(bookingID, lineID string) (string, error) {
	data, err := json.Marshal(Claims{BookingID: bookingID, LineID: lineID, Nonce: uuid.NewString()})
	if err != nil {
		return "", err
	}
	return encryptAES(data, q.secret)
}

// Open recovers the claims from a token produced by Issue.
func (q *Issuer) Open(token string) (Claims, error) {
	var claims Claims
	data, err := decryptAES(token, q.secret)
	if err != nil {
		return claims, fmt.Errorf("%w: %v", models.ErrInvalidToken, err)
	}
	if err := json.Unmarshal(data, &claims); err != nil {
		return claims, fmt.Errorf("%w: %v", models.ErrInvalidToken, err)
	}
	if claims.BookingID == "" || claims.LineID == "" {
		return claims, models.ErrInvalidToken
	}
	return claims, nil
}

// Render encodes the token as a PNG QR code.
func (q *Issuer) Render(token string) ([]byte, error) {
	return qrcode.Encode(token, qrcode.Medium, q.size)
}

func encryptAES(data []byte, key []byte) (string, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return "", err
	}

	ciphertext := make([]byte, aes.BlockSize+len(data))
	iv := ciphertext[:aes.BlockSize]

	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return "", err
	}

	stream := cipher.NewCFBEncrypter(block, iv)
	stream.XORKeyStream(ciphertext[aes.BlockSize:], data)

	return base64.URLEncoding.EncodeToString(ciphertext), nil
}

func decryptAES(token string, key []byte) ([]byte, error) {
	ciphertext, err := base64.URLEncoding.DecodeString(token)
	if err != nil {
		return nil, err
	}
	if len(ciphertext) <= aes.BlockSize {
		return nil, fmt.Errorf("ciphertext too short")
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}

	iv := ciphertext[:aes.BlockSize]
	data := make([]byte, len(ciphertext)-aes.BlockSize)
	stream := cipher.NewCFBDecrypter(block, iv)
	stream.XORKeyStream(data, ciphertext[aes.BlockSize:])
	return data, nil
}
