// Package pix builds static PIX "copia e cola" payloads (BR Code) and
// their QR codes, so a requester can pay a pending payment from any
// Brazilian banking app.
//
// The payload is EMV MPM: a sequence of ID/length/value fields closed
// by a CRC16-CCITT checksum. The confirmation code travels as the txid,
// which is what the reviewer matches against the bank statement.
package pix

import (
	"errors"
	"fmt"
	"strings"
	"unicode"

	skipqrcode "github.com/skip2/go-qrcode"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"github.com/mbd888/ekklesia/internal/money"
)

var (
	ErrMissingKey   = errors.New("pix: key is required")
	ErrFieldTooLong = errors.New("pix: field exceeds 99 bytes")
	ErrEmptyPayload = errors.New("pix: empty payload")
)

// Field limits from the BR Code manual.
const (
	maxMerchantName = 25
	maxMerchantCity = 15
	maxTxID         = 25
)

const defaultQRSize = 256

// Payload describes a static PIX charge.
type Payload struct {
	Key          string
	MerchantName string
	MerchantCity string
	Amount       money.Cents
	TxID         string
}

// BRCode renders the EMV payload including its CRC.
func (p Payload) BRCode() (string, error) {
	if strings.TrimSpace(p.Key) == "" {
		return "", ErrMissingKey
	}

	account, err := tlv("00", "br.gov.bcb.pix")
	if err != nil {
		return "", err
	}
	key, err := tlv("01", p.Key)
	if err != nil {
		return "", err
	}
	txid := sanitizeTxID(p.TxID)
	additional, err := tlv("05", txid)
	if err != nil {
		return "", err
	}

	fields := [][2]string{
		{"00", "01"},
		{"26", account + key},
		{"52", "0000"},
		{"53", "986"},
	}
	if p.Amount > 0 {
		fields = append(fields, [2]string{"54", p.Amount.String()})
	}
	fields = append(fields,
		[2]string{"58", "BR"},
		[2]string{"59", ascii(p.MerchantName, maxMerchantName, "N/A")},
		[2]string{"60", ascii(p.MerchantCity, maxMerchantCity, "BRASILIA")},
		[2]string{"62", additional},
	)

	var b strings.Builder
	for _, f := range fields {
		s, err := tlv(f[0], f[1])
		if err != nil {
			return "", err
		}
		b.WriteString(s)
	}
	b.WriteString("6304")
	fmt.Fprintf(&b, "%04X", CRC16([]byte(b.String())))
	return b.String(), nil
}

// QRCodePNG renders a BR Code as a PNG image of size×size pixels.
func QRCodePNG(brCode string, size int) ([]byte, error) {
	if brCode == "" {
		return nil, ErrEmptyPayload
	}
	if size <= 0 {
		size = defaultQRSize
	}
	png, err := skipqrcode.Encode(brCode, skipqrcode.Medium, size)
	if err != nil {
		return nil, fmt.Errorf("pix: encode qr: %w", err)
	}
	return png, nil
}

// CRC16 is CRC-16/CCITT-FALSE (poly 0x1021, init 0xFFFF), as BR Code requires.
func CRC16(data []byte) uint16 {
	crc := uint16(0xFFFF)
	for _, b := range data {
		crc ^= uint16(b) << 8
		for i := 0; i < 8; i++ {
			if crc&0x8000 != 0 {
				crc = crc<<1 ^ 0x1021
			} else {
				crc <<= 1
			}
		}
	}
	return crc
}

func tlv(id, value string) (string, error) {
	if len(value) > 99 {
		return "", fmt.Errorf("%w: id %s", ErrFieldTooLong, id)
	}
	return fmt.Sprintf("%s%02d%s", id, len(value), value), nil
}

// ascii strips diacritics and anything outside printable ASCII, then
// truncates. Banking apps reject payloads with accented names.
func ascii(s string, limit int, fallback string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	folded, _, err := transform.String(t, s)
	if err != nil {
		folded = s
	}
	var b strings.Builder
	for _, r := range folded {
		if r >= 0x20 && r < 0x7F {
			b.WriteRune(r)
		}
	}
	out := strings.TrimSpace(b.String())
	if len(out) > limit {
		out = strings.TrimSpace(out[:limit])
	}
	if out == "" {
		return fallback
	}
	return strings.ToUpper(out)
}

// sanitizeTxID keeps [A-Za-z0-9] up to 25 chars; "***" means no txid.
func sanitizeTxID(s string) string {
	var b strings.Builder
	for _, r := range s {
		if b.Len() == maxTxID {
			break
		}
		if (r >= 'A' && r <= 'Z') || (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		}
	}
	if b.Len() == 0 {
		return "***"
	}
	return b.String()
}
