package broker

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"io"
)

// propEncrypted, propEncryptionAlgo and propGCMPacked are the message
// properties stamped on send and consulted on receive to reverse the
// transformation.
const (
	propEncrypted      = "Encrypted"
	propEncryptionAlgo = "EncryptionAlgorithm"
	propGCMPacked      = "GcmPacked"
)

// gcmPackedLayout is the value stamped under GcmPacked, naming the packed
// wire layout of an AES-GCM payload.
const gcmPackedLayout = "nonce|ciphertext|tag"

const gcmNonceSize = 12

// applyEncryption encrypts msg.Payload in place according to cfg. Skips an
// external (zero-copy) payload, for the same reason applyCompression does.
func (b *Broker) applyEncryption(msg *Message, cfg EncryptionConfig) error {
	if cfg.Algorithm == EncryptionNone || msg.Payload.External {
		return nil
	}
	block, err := aes.NewCipher(cfg.Key)
	if err != nil {
		return Newf(OperationFailed, "encryption: %v", err)
	}

	switch cfg.Algorithm {
	case EncryptionAES128CBC:
		padded := pkcs7Pad(msg.Payload.Bytes, aes.BlockSize)
		iv := cfg.IV
		if len(iv) != aes.BlockSize {
			return Newf(InvalidArgument, "encryption: CBC requires a %d-byte IV", aes.BlockSize)
		}
		out := make([]byte, len(padded))
		cipher.NewCBCEncrypter(block, iv).CryptBlocks(out, padded)
		msg.Payload.Bytes = out
	case EncryptionAES256GCM:
		gcm, err := cipher.NewGCM(block)
		if err != nil {
			return Newf(OperationFailed, "encryption: %v", err)
		}
		nonce := make([]byte, gcmNonceSize)
		if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
			return Newf(OperationFailed, "encryption: %v", err)
		}
		sealed := gcm.Seal(nil, nonce, msg.Payload.Bytes, nil)
		packed := make([]byte, 0, len(nonce)+len(sealed))
		packed = append(packed, nonce...)
		packed = append(packed, sealed...)
		msg.Payload.Bytes = packed
		msg.SetProperty(propGCMPacked, gcmPackedLayout)
	default:
		return New(InvalidArgument, nil)
	}

	msg.SetProperty(propEncrypted, "1")
	msg.SetProperty(propEncryptionAlgo, cfg.Algorithm.String())
	return nil
}

// reverseEncryption decrypts msg.Payload if the encrypted property was
// stamped, using the matching queue encryption config's key/IV.
func reverseEncryption(msg *Message, cfg EncryptionConfig) error {
	v, ok := msg.Property(propEncrypted)
	if !ok || v != "1" {
		// a GCM-packed payload from a producer that never stamped
		// Encrypted is still decryptable when the queue has the algorithm
		// configured
		if _, packed := msg.Property(propGCMPacked); !packed || cfg.Algorithm != EncryptionAES256GCM {
			return nil
		}
	}
	algoName, _ := msg.Property(propEncryptionAlgo)
	if algoName == "" && cfg.Algorithm != EncryptionNone {
		algoName = cfg.Algorithm.String()
	}

	block, err := aes.NewCipher(cfg.Key)
	if err != nil {
		return Newf(OperationFailed, "decryption: %v", err)
	}

	switch algoName {
	case EncryptionAES128CBC.String():
		if len(msg.Payload.Bytes)%aes.BlockSize != 0 {
			return Newf(OperationFailed, "decryption: ciphertext is not block-aligned")
		}
		iv := cfg.IV
		if len(iv) != aes.BlockSize {
			return Newf(InvalidArgument, "decryption: CBC requires a %d-byte IV", aes.BlockSize)
		}
		out := make([]byte, len(msg.Payload.Bytes))
		cipher.NewCBCDecrypter(block, iv).CryptBlocks(out, msg.Payload.Bytes)
		out, err := pkcs7Unpad(out, aes.BlockSize)
		if err != nil {
			return Newf(OperationFailed, "decryption: %v", err)
		}
		msg.Payload.Bytes = out
	case EncryptionAES256GCM.String():
		if _, ok := msg.Property(propGCMPacked); !ok {
			return Newf(OperationFailed, "decryption: missing gcm_packed marker")
		}
		gcm, err := cipher.NewGCM(block)
		if err != nil {
			return Newf(OperationFailed, "decryption: %v", err)
		}
		if len(msg.Payload.Bytes) < gcmNonceSize {
			return Newf(OperationFailed, "decryption: ciphertext shorter than nonce")
		}
		nonce := msg.Payload.Bytes[:gcmNonceSize]
		ciphertext := msg.Payload.Bytes[gcmNonceSize:]
		plain, err := gcm.Open(nil, nonce, ciphertext, nil)
		if err != nil {
			return Newf(OperationFailed, "decryption: %v", err)
		}
		msg.Payload.Bytes = plain
		msg.ClearProperty(propGCMPacked)
	default:
		return Newf(OperationFailed, "decryption: unknown algorithm %q", algoName)
	}

	msg.ClearProperty(propEncrypted)
	msg.ClearProperty(propEncryptionAlgo)
	return nil
}

func pkcs7Pad(data []byte, blockSize int) []byte {
	padLen := blockSize - len(data)%blockSize
	padded := make([]byte, len(data)+padLen)
	copy(padded, data)
	for i := len(data); i < len(padded); i++ {
		padded[i] = byte(padLen)
	}
	return padded
}

func pkcs7Unpad(data []byte, blockSize int) ([]byte, error) {
	if len(data) == 0 || len(data)%blockSize != 0 {
		return nil, Newf(OperationFailed, "invalid padded length %d", len(data))
	}
	padLen := int(data[len(data)-1])
	if padLen == 0 || padLen > blockSize || padLen > len(data) {
		return nil, Newf(OperationFailed, "invalid padding")
	}
	for _, b := range data[len(data)-padLen:] {
		if int(b) != padLen {
			return nil, Newf(OperationFailed, "invalid padding")
		}
	}
	return data[:len(data)-padLen], nil
}
