package secure

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdh"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"sync"

	"golang.org/x/crypto/hkdf"
)

var (
	ErrDuplicateConnection = errors.New("secure: connection already registered")
	ErrUnknownConnection   = errors.New("secure: unknown connection")
	ErrInvalidPublicKey    = errors.New("secure: invalid public key")
	ErrDecryption          = errors.New("secure: decryption failure")
	ErrNotBound            = errors.New("secure: context has no peer key")
)

const (
	// IVSize 每连接固定 IV 的长度（AES 块大小）
	IVSize = aes.BlockSize

	hkdfInfo = "journeycore/v1"
	macSize  = sha256.Size
)

var curve = ecdh.X25519()

// Context 单个连接的密钥交换上下文：本地密钥对、最近一次的对端公钥、固定 IV。
// 共享密钥不缓存，每次加解密都由本地私钥与当次对端公钥重新推导。
type Context struct {
	priv *ecdh.PrivateKey

	mu   sync.Mutex
	peer *ecdh.PublicKey
	iv   []byte
}

// NewContext 生成新的临时密钥对；Bind 之前只能用于公开自己的公钥
func NewContext() (*Context, error) {
	priv, err := curve.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}
	return &Context{priv: priv}, nil
}

// NewIV 生成新的随机 IV
func NewIV() ([]byte, error) {
	iv := make([]byte, IVSize)
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return nil, err
	}
	return iv, nil
}

func parsePublicKey(b []byte) (*ecdh.PublicKey, error) {
	pub, err := curve.NewPublicKey(b)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPublicKey, err)
	}
	return pub, nil
}

// Bind 绑定对端公钥与连接 IV
func (c *Context) Bind(peerPublicKey, iv []byte) error {
	pub, err := parsePublicKey(peerPublicKey)
	if err != nil {
		return err
	}
	if len(iv) != IVSize {
		return fmt.Errorf("secure: iv must be %d bytes, got %d", IVSize, len(iv))
	}
	c.mu.Lock()
	c.peer = pub
	c.iv = bytes.Clone(iv)
	c.mu.Unlock()
	return nil
}

func (c *Context) PublicKey() []byte { return c.priv.PublicKey().Bytes() }

func (c *Context) IV() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return bytes.Clone(c.iv)
}

func (c *Context) snapshot() (*ecdh.PublicKey, []byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.peer == nil || c.iv == nil {
		return nil, nil, ErrNotBound
	}
	return c.peer, c.iv, nil
}

// derive ECDH → HKDF-SHA256(salt=iv) → AES-256 密钥 + HMAC 密钥
func (c *Context) derive(peer *ecdh.PublicKey, iv []byte) (encKey, macKey []byte, err error) {
	secret, err := c.priv.ECDH(peer)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrInvalidPublicKey, err)
	}
	keys := make([]byte, 64)
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, iv, []byte(hkdfInfo)), keys); err != nil {
		return nil, nil, err
	}
	return keys[:32], keys[32:], nil
}

// Seal 用最近一次的对端公钥加密：AES-256-CBC(固定 IV) || HMAC-SHA256(iv || cbc)
func (c *Context) Seal(plaintext []byte) ([]byte, error) {
	peer, iv, err := c.snapshot()
	if err != nil {
		return nil, err
	}
	return c.seal(peer, iv, plaintext)
}

// SealTo 用指定的对端公钥加密，不改变最近一次的对端公钥
func (c *Context) SealTo(remotePublicKey, plaintext []byte) ([]byte, error) {
	remote, err := parsePublicKey(remotePublicKey)
	if err != nil {
		return nil, err
	}
	_, iv, err := c.snapshot()
	if err != nil {
		return nil, err
	}
	return c.seal(remote, iv, plaintext)
}

func (c *Context) seal(peer *ecdh.PublicKey, iv, plaintext []byte) ([]byte, error) {
	encKey, macKey, err := c.derive(peer, iv)
	if err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(encKey)
	if err != nil {
		return nil, err
	}
	padded := pkcs7Pad(plaintext, aes.BlockSize)
	out := make([]byte, len(padded)+macSize)
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(out[:len(padded)], padded)

	mac := hmac.New(sha256.New, macKey)
	mac.Write(iv)
	mac.Write(out[:len(padded)])
	copy(out[len(padded):], mac.Sum(nil))
	return out, nil
}

// Open 用消息自带的对端公钥解密，成功后将其记为最近一次的对端公钥
func (c *Context) Open(remotePublicKey, ciphertext []byte) ([]byte, error) {
	remote, err := parsePublicKey(remotePublicKey)
	if err != nil {
		return nil, err
	}
	_, iv, err := c.snapshot()
	if err != nil {
		return nil, err
	}
	n := len(ciphertext) - macSize
	if n < aes.BlockSize || n%aes.BlockSize != 0 {
		return nil, fmt.Errorf("%w: bad length %d", ErrDecryption, len(ciphertext))
	}
	encKey, macKey, err := c.derive(remote, iv)
	if err != nil {
		return nil, err
	}

	mac := hmac.New(sha256.New, macKey)
	mac.Write(iv)
	mac.Write(ciphertext[:n])
	if !hmac.Equal(mac.Sum(nil), ciphertext[n:]) {
		return nil, fmt.Errorf("%w: tag mismatch", ErrDecryption)
	}

	block, err := aes.NewCipher(encKey)
	if err != nil {
		return nil, err
	}
	plain := make([]byte, n)
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(plain, ciphertext[:n])
	plain, err = pkcs7Unpad(plain, aes.BlockSize)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.peer = remote
	c.mu.Unlock()
	return plain, nil
}

// SealField 加密单个请求参数（无信封），返回 URL 安全 base64
func (c *Context) SealField(plaintext []byte) (string, error) {
	ct, err := c.Seal(plaintext)
	if err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(ct), nil
}

// OpenField SealField 的逆操作
func (c *Context) OpenField(remotePublicKey []byte, field string) ([]byte, error) {
	ct, err := base64.RawURLEncoding.DecodeString(field)
	if err != nil {
		return nil, fmt.Errorf("%w: field encoding: %v", ErrDecryption, err)
	}
	return c.Open(remotePublicKey, ct)
}

func pkcs7Pad(b []byte, size int) []byte {
	pad := size - len(b)%size
	out := make([]byte, len(b)+pad)
	copy(out, b)
	for i := len(b); i < len(out); i++ {
		out[i] = byte(pad)
	}
	return out
}

func pkcs7Unpad(b []byte, size int) ([]byte, error) {
	if len(b) == 0 || len(b)%size != 0 {
		return nil, fmt.Errorf("%w: bad padding", ErrDecryption)
	}
	pad := int(b[len(b)-1])
	if pad == 0 || pad > size {
		return nil, fmt.Errorf("%w: bad padding", ErrDecryption)
	}
	for _, v := range b[len(b)-pad:] {
		if int(v) != pad {
			return nil, fmt.Errorf("%w: bad padding", ErrDecryption)
		}
	}
	return b[:len(b)-pad], nil
}
