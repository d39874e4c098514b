package segment

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/tonywagner/milbserver/work/client"
	"github.com/tonywagner/milbserver/work/logger"
	"github.com/tonywagner/milbserver/work/metrics"
	"github.com/tonywagner/milbserver/work/utils"
)

// ErrDecryptionFailed covers bad keys, bad IVs and malformed ciphertext.
// It is terminal for the segment request.
var ErrDecryptionFailed = errors.New("decryption failed")

// keyFetchTimeout bounds a key fetch shared between segment requests.
const keyFetchTimeout = 20 * time.Second

// Fetcher is the outbound HTTP dependency.
type Fetcher interface {
	Fetch(ctx context.Context, rawURL string, headers http.Header) (*client.Response, error)
}

// KeyCache holds the most recently fetched key. Asking for a different key URL
// replaces the slot; concurrent misses for the same URL share one fetch.
type KeyCache struct {
	fetcher Fetcher
	group   singleflight.Group

	mu  sync.Mutex
	url string
	key []byte
}

// NewKeyCache creates an empty key cache
func NewKeyCache(fetcher Fetcher) *KeyCache {
	return &KeyCache{fetcher: fetcher}
}

// Get returns the key bytes for keyURL, fetching them on a miss.
func (c *KeyCache) Get(ctx context.Context, keyURL string, headers http.Header) ([]byte, error) {
	if key, ok := c.current(keyURL); ok {
		return key, nil
	}

	ch := c.group.DoChan(keyURL, func() (any, error) {
		// another flight may have filled the slot while we waited
		if key, ok := c.current(keyURL); ok {
			return key, nil
		}

		// the key is shared, so a seeking player must not cancel it for the rest
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), keyFetchTimeout)
		defer cancel()

		metrics.KeyFetches.Inc()
		resp, err := c.fetcher.Fetch(fctx, keyURL, headers)
		if err != nil {
			return nil, err
		}
		if len(resp.Body) != aes.BlockSize {
			return nil, fmt.Errorf("%w: key is %d bytes", ErrDecryptionFailed, len(resp.Body))
		}

		c.mu.Lock()
		c.url = keyURL
		c.key = resp.Body
		c.mu.Unlock()

		return resp.Body, nil
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.([]byte), nil
	}
}

func (c *KeyCache) current(keyURL string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.key != nil && c.url == keyURL {
		return c.key, true
	}
	return nil, false
}

// Decryptor fetches segments and decrypts them when a key is supplied.
type Decryptor struct {
	fetcher   Fetcher
	keys      *KeyCache
	obfuscate bool
}

// NewDecryptor wires a decryptor to the fetcher and its own key cache
func NewDecryptor(fetcher Fetcher, obfuscate bool) *Decryptor {
	return &Decryptor{
		fetcher:   fetcher,
		keys:      NewKeyCache(fetcher),
		obfuscate: obfuscate,
	}
}

// FetchSegment returns the segment bytes in the clear. key may be a key URL
// or inline base64 key material; an empty key passes the body through.
func (d *Decryptor) FetchSegment(ctx context.Context, segmentURL, key, iv, referer string) ([]byte, error) {
	headers := client.RefererHeaders(referer)

	resp, err := d.fetcher.Fetch(ctx, segmentURL, headers)
	if err != nil {
		return nil, err
	}
	if key == "" {
		return resp.Body, nil
	}

	var keyBytes []byte
	if strings.HasPrefix(key, "http://") || strings.HasPrefix(key, "https://") {
		keyBytes, err = d.keys.Get(ctx, key, headers)
	} else {
		keyBytes, err = DecodeKey(key)
	}
	if err != nil {
		if errors.Is(err, ErrDecryptionFailed) {
			metrics.DecryptFailures.Inc()
		}
		return nil, err
	}

	ivBytes, err := ParseIV(iv)
	if err != nil {
		metrics.DecryptFailures.Inc()
		return nil, err
	}

	plain, err := Decrypt(keyBytes, ivBytes, resp.Body)
	if err != nil {
		metrics.DecryptFailures.Inc()
		logger.Error("{segment/segment - FetchSegment} %s: %v", utils.LogURL(d.obfuscate, segmentURL), err)
		return nil, err
	}

	return plain, nil
}

// DecodeKey reads inline key material in standard or URL-safe base64.
func DecodeKey(s string) ([]byte, error) {
	encodings := []*base64.Encoding{
		base64.StdEncoding, base64.URLEncoding, base64.RawStdEncoding, base64.RawURLEncoding,
	}
	for _, enc := range encodings {
		if b, err := enc.DecodeString(s); err == nil {
			if len(b) != aes.BlockSize {
				return nil, fmt.Errorf("%w: key is %d bytes", ErrDecryptionFailed, len(b))
			}
			return b, nil
		}
	}
	return nil, fmt.Errorf("%w: key is not base64", ErrDecryptionFailed)
}

// ParseIV converts a hex IV, with or without 0x, to 16 bytes. Shorter values
// are left-padded with zeros; an empty IV is all zeros.
func ParseIV(s string) ([]byte, error) {
	s = strings.TrimPrefix(strings.TrimPrefix(strings.TrimSpace(s), "0x"), "0X")
	if len(s) > 2*aes.BlockSize {
		return nil, fmt.Errorf("%w: iv too long", ErrDecryptionFailed)
	}
	s = strings.Repeat("0", 2*aes.BlockSize-len(s)) + s

	iv, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: iv: %v", ErrDecryptionFailed, err)
	}
	return iv, nil
}

// Decrypt performs AES-128-CBC decryption and strips PKCS#7 padding.
func Decrypt(key, iv, data []byte) ([]byte, error) {
	plain, err := decryptBlocks(key, iv, data)
	if err != nil {
		return nil, err
	}
	return unpad(plain)
}

func decryptBlocks(key, iv, data []byte) ([]byte, error) {
	if len(key) != aes.BlockSize {
		return nil, fmt.Errorf("%w: key is %d bytes", ErrDecryptionFailed, len(key))
	}
	if len(iv) != aes.BlockSize {
		return nil, fmt.Errorf("%w: iv is %d bytes", ErrDecryptionFailed, len(iv))
	}
	if len(data) == 0 || len(data)%aes.BlockSize != 0 {
		return nil, fmt.Errorf("%w: ciphertext length %d", ErrDecryptionFailed, len(data))
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}

	out := make([]byte, len(data))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(out, data)
	return out, nil
}

func unpad(data []byte) ([]byte, error) {
	n := int(data[len(data)-1])
	if n == 0 || n > aes.BlockSize || n > len(data) {
		return nil, fmt.Errorf("%w: bad padding", ErrDecryptionFailed)
	}
	for _, b := range data[len(data)-n:] {
		if int(b) != n {
			return nil, fmt.Errorf("%w: bad padding", ErrDecryptionFailed)
		}
	}
	return data[:len(data)-n], nil
}
