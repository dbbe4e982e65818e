package secure

import (
	"fmt"
	"sync"

	"journeycore/protocol"
)

// Keyring 密钥交换服务：connectionID → Context，每个连接独占一份
type Keyring struct {
	mu       sync.RWMutex
	contexts map[string]*Context
}

func NewKeyring() *Keyring {
	return &Keyring{contexts: make(map[string]*Context)}
}

// Register 为连接生成临时密钥对与 IV，返回服务端公钥与 IV。
// 重复注册返回 ErrDuplicateConnection，已有上下文保持不变。
func (k *Keyring) Register(connectionID string, clientPublicKey []byte) (serverPublicKey, iv []byte, err error) {
	ctx, err := NewContext()
	if err != nil {
		return nil, nil, err
	}
	iv, err = NewIV()
	if err != nil {
		return nil, nil, err
	}

	k.mu.Lock()
	defer k.mu.Unlock()
	// 先判重复，再校验公钥
	if _, ok := k.contexts[connectionID]; ok {
		return nil, nil, fmt.Errorf("%w: %s", ErrDuplicateConnection, connectionID)
	}
	if err := ctx.Bind(clientPublicKey, iv); err != nil {
		return nil, nil, err
	}
	k.contexts[connectionID] = ctx
	return ctx.PublicKey(), ctx.IV(), nil
}

func (k *Keyring) Lookup(connectionID string) (*Context, error) {
	k.mu.RLock()
	ctx, ok := k.contexts[connectionID]
	k.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownConnection, connectionID)
	}
	return ctx, nil
}

// Release 断开连接时释放上下文
func (k *Keyring) Release(connectionID string) {
	k.mu.Lock()
	delete(k.contexts, connectionID)
	k.mu.Unlock()
}

// ReleaseAll 停机时释放所有上下文，返回释放数量
func (k *Keyring) ReleaseAll() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	n := len(k.contexts)
	k.contexts = make(map[string]*Context)
	return n
}

func (k *Keyring) Len() int {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return len(k.contexts)
}

// Codec 安全信封编解码，按 connectionID 查找上下文
type Codec struct {
	keys *Keyring
}

func NewCodec(keys *Keyring) *Codec {
	return &Codec{keys: keys}
}

// Encrypt 加密并包装为携带服务端公钥的信封
func (c *Codec) Encrypt(connectionID string, plaintext []byte) (protocol.Envelope, error) {
	ctx, err := c.keys.Lookup(connectionID)
	if err != nil {
		return protocol.Envelope{}, err
	}
	ct, err := ctx.Seal(plaintext)
	if err != nil {
		return protocol.Envelope{}, err
	}
	return protocol.Envelope{PublicKey: ctx.PublicKey(), Ciphertext: ct}, nil
}

// EncryptTo 与 Encrypt 相同，但密文面向调用方给出的对端公钥
func (c *Codec) EncryptTo(connectionID string, remotePublicKey, plaintext []byte) (protocol.Envelope, error) {
	ctx, err := c.keys.Lookup(connectionID)
	if err != nil {
		return protocol.Envelope{}, err
	}
	ct, err := ctx.SealTo(remotePublicKey, plaintext)
	if err != nil {
		return protocol.Envelope{}, err
	}
	return protocol.Envelope{PublicKey: ctx.PublicKey(), Ciphertext: ct}, nil
}

func (c *Codec) Decrypt(connectionID string, remotePublicKey, ciphertext []byte) ([]byte, error) {
	ctx, err := c.keys.Lookup(connectionID)
	if err != nil {
		return nil, err
	}
	return ctx.Open(remotePublicKey, ciphertext)
}

// EncryptFieldOnly 只加密不封装信封，结果为 URL 安全 base64
func (c *Codec) EncryptFieldOnly(connectionID string, plaintext []byte) (string, error) {
	ctx, err := c.keys.Lookup(connectionID)
	if err != nil {
		return "", err
	}
	return ctx.SealField(plaintext)
}

func (c *Codec) DecryptField(connectionID string, remotePublicKey []byte, field string) ([]byte, error) {
	ctx, err := c.keys.Lookup(connectionID)
	if err != nil {
		return nil, err
	}
	return ctx.OpenField(remotePublicKey, field)
}
