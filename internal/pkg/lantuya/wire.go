package lantuya

import (
	"bytes"
	"crypto/aes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/binary"
	"hash/crc32"

	tuya "github.com/mnaufala13/tugoya"
	"github.com/pkg/errors"
)

/*
 *  Frame codec for the vendor LAN protocol.
 *
 *  Every message is 000055aa | seq | cmd | len | payload | check | 0000aa55.
 *  Protocol 3.3 checks with CRC32 and encrypts payloads AES-ECB under the
 *  device local key; 3.4 checks with HMAC-SHA256 and encrypts under a
 *  session key negotiated at connect time.  Commands listed in the SDK's
 *  NoProtocolHeaderCmds table omit the 15-byte version header.
 */

const (
	framePrefix   = 0x000055aa
	frameSuffix   = 0x0000aa55
	frameHdrLen   = 16
	versionHdrLen = 15
)

type codec struct {
	version float64
	key     []byte
}

func versionHeader(version float64) []byte {
	hdr := make([]byte, versionHdrLen)
	if version >= 3.4 {
		copy(hdr, "3.4")
	} else {
		copy(hdr, "3.3")
	}
	return hdr
}

func hasVersionHeader(cmd tuya.Command) bool {
	for _, c := range tuya.NoProtocolHeaderCmds {
		if c == cmd {
			return false
		}
	}
	return true
}

func (c *codec) checkLen() int {
	if c.version >= 3.4 {
		return sha256.Size
	}
	return 4
}

// encode builds one request frame
func (c *codec) encode(seq uint32, cmd tuya.Command, payload []byte) ([]byte, error) {
	var body []byte
	var err error

	if c.version >= 3.4 {
		// 3.4 carries the version header inside the encrypted payload
		if hasVersionHeader(cmd) {
			payload = append(versionHeader(c.version), payload...)
		}
		body, err = ecbEncrypt(c.key, payload)
		if err != nil {
			return nil, err
		}
	} else {
		body, err = ecbEncrypt(c.key, payload)
		if err != nil {
			return nil, err
		}
		if hasVersionHeader(cmd) {
			body = append(versionHeader(c.version), body...)
		}
	}

	checkLen := c.checkLen()
	buf := make([]byte, frameHdrLen, frameHdrLen+len(body)+checkLen+4)
	binary.BigEndian.PutUint32(buf[0:4], framePrefix)
	binary.BigEndian.PutUint32(buf[4:8], seq)
	binary.BigEndian.PutUint32(buf[8:12], uint32(cmd))
	binary.BigEndian.PutUint32(buf[12:16], uint32(len(body)+checkLen+4))
	buf = append(buf, body...)

	if c.version >= 3.4 {
		mac := hmac.New(sha256.New, c.key)
		mac.Write(buf)
		buf = append(buf, mac.Sum(nil)...)
	} else {
		crc := crc32.ChecksumIEEE(buf)
		buf = append(buf, 0, 0, 0, 0)
		binary.BigEndian.PutUint32(buf[len(buf)-4:], crc)
	}

	suffix := make([]byte, 4)
	binary.BigEndian.PutUint32(suffix, frameSuffix)
	return append(buf, suffix...), nil
}

type frame struct {
	seq     uint32
	cmd     tuya.Command
	retcode uint32
	data    []byte
}

// decode parses and decrypts one response frame
func (c *codec) decode(raw []byte) (frame, error) {
	var f frame

	if len(raw) < frameHdrLen+8 {
		return f, errors.New("short frame")
	}
	if binary.BigEndian.Uint32(raw[0:4]) != framePrefix {
		return f, errors.New("bad frame prefix")
	}

	f.seq = binary.BigEndian.Uint32(raw[4:8])
	f.cmd = tuya.Command(binary.BigEndian.Uint32(raw[8:12]))
	length := int(binary.BigEndian.Uint32(raw[12:16]))

	if len(raw) < frameHdrLen+length {
		return f, errors.New("truncated frame")
	}
	if binary.BigEndian.Uint32(raw[frameHdrLen+length-4:frameHdrLen+length]) != frameSuffix {
		return f, errors.New("bad frame suffix")
	}

	body := raw[frameHdrLen : frameHdrLen+length-4]

	checkLen := c.checkLen()
	if len(body) < checkLen {
		return f, errors.New("frame body shorter than checksum")
	}
	check := body[len(body)-checkLen:]
	body = body[:len(body)-checkLen]

	if c.version >= 3.4 {
		mac := hmac.New(sha256.New, c.key)
		mac.Write(raw[:frameHdrLen+len(body)])
		if !hmac.Equal(mac.Sum(nil), check) {
			return f, errors.New("frame HMAC mismatch")
		}
	} else {
		if crc32.ChecksumIEEE(raw[:frameHdrLen+len(body)]) != binary.BigEndian.Uint32(check) {
			return f, errors.New("frame CRC mismatch")
		}
	}

	// Return codes ride ahead of the payload; the small-value heuristic
	// matches what the device SDKs do
	if len(body) >= 4 && binary.BigEndian.Uint32(body[:4]) < 0x100 {
		f.retcode = binary.BigEndian.Uint32(body[:4])
		body = body[4:]
	}

	data, err := c.decrypt(body)
	if err != nil {
		return f, err
	}
	f.data = data

	return f, nil
}

func (c *codec) decrypt(body []byte) ([]byte, error) {
	if len(body) == 0 {
		return nil, nil
	}

	// Some responses (and all scan announcements) arrive in the clear
	if body[0] == '{' {
		return body, nil
	}

	if c.version < 3.4 {
		// 3.3 responses to commands with a protocol header carry the
		// header in the clear, ahead of the ciphertext
		if bytes.HasPrefix(body, []byte("3.3")) && len(body) > versionHdrLen {
			body = body[versionHdrLen:]
		}
		return ecbDecrypt(c.key, body)
	}

	data, err := ecbDecrypt(c.key, body)
	if err != nil {
		return nil, err
	}
	if bytes.HasPrefix(data, []byte("3.4")) && len(data) > versionHdrLen {
		data = data[versionHdrLen:]
	}
	return data, nil
}

func pkcs7Pad(data []byte) []byte {
	n := aes.BlockSize - len(data)%aes.BlockSize
	padded := make([]byte, len(data)+n)
	copy(padded, data)
	for i := len(data); i < len(padded); i++ {
		padded[i] = byte(n)
	}
	return padded
}

func pkcs7Unpad(data []byte) ([]byte, error) {
	if len(data) == 0 || len(data)%aes.BlockSize != 0 {
		return nil, errors.New("bad ciphertext length")
	}
	n := int(data[len(data)-1])
	if n == 0 || n > aes.BlockSize || n > len(data) {
		return nil, errors.New("bad padding")
	}
	return data[:len(data)-n], nil
}

func ecbEncrypt(key, data []byte) ([]byte, error) {
	return ecbEncryptRaw(key, pkcs7Pad(data))
}

// ecbEncryptRaw encrypts without padding; data must be block aligned.
// Also used for 3.4 session key derivation.
func ecbEncryptRaw(key, data []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, errors.Wrap(err, "initialising cipher")
	}
	if len(data)%aes.BlockSize != 0 {
		return nil, errors.New("plaintext not block aligned")
	}

	out := make([]byte, len(data))
	for i := 0; i < len(data); i += aes.BlockSize {
		block.Encrypt(out[i:i+aes.BlockSize], data[i:i+aes.BlockSize])
	}
	return out, nil
}

func ecbDecrypt(key, data []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, errors.Wrap(err, "initialising cipher")
	}
	if len(data) == 0 || len(data)%aes.BlockSize != 0 {
		return nil, errors.New("bad ciphertext length")
	}

	out := make([]byte, len(data))
	for i := 0; i < len(data); i += aes.BlockSize {
		block.Decrypt(out[i:i+aes.BlockSize], data[i:i+aes.BlockSize])
	}
	return pkcs7Unpad(out)
}
