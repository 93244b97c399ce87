package pix

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/ekklesia/internal/money"
)

func TestCRC16_CheckValue(t *testing.T) {
	assert.Equal(t, uint16(0x29B1), CRC16([]byte("123456789")))
}

func TestBRCode_KnownPayload(t *testing.T) {
	code, err := Payload{
		Key:          "pix@ekklesia.app",
		MerchantName: "Ekklesia",
		MerchantCity: "São Paulo",
		Amount:       money.MustParse("149.90"),
		TxID:         "7F3K9Q2A",
	}.BRCode()
	require.NoError(t, err)
	assert.Equal(t,
		"00020126380014br.gov.bcb.pix0116pix@ekklesia.app5204000053039865406149.905802BR5908EKKLESIA6009SAO PAULO621205087F3K9Q2A63046BC2",
		code)
}

func TestBRCode_WithoutAmountOrTxID(t *testing.T) {
	code, err := Payload{Key: "12345678000199", MerchantName: "Igreja Monte Hebrom", MerchantCity: "Belo Horizonte"}.BRCode()
	require.NoError(t, err)
	assert.Equal(t,
		"00020126360014br.gov.bcb.pix0114123456780001995204000053039865802BR5919IGREJA MONTE HEBROM6014BELO HORIZONTE62070503***63049DEB",
		code)
}

func TestBRCode_Truncation(t *testing.T) {
	code, err := Payload{
		Key:          "k",
		MerchantName: "Comunidade Evangélica da Graça Abundante",
		MerchantCity: "São José dos Campos",
		TxID:         "abc-123_def 456 ghi 789 jkl 000 mno",
	}.BRCode()
	require.NoError(t, err)
	assert.Contains(t, code, "5924COMUNIDADE EVANGELICA DA6015")
	assert.Contains(t, code, "6015SAO JOSE DOS CA62")
	assert.Contains(t, code, "0525abc123def456ghi789jkl000m6304")
	assert.Equal(t, "B42E", code[len(code)-4:])
}

func TestBRCode_MissingKey(t *testing.T) {
	_, err := Payload{MerchantName: "x"}.BRCode()
	assert.ErrorIs(t, err, ErrMissingKey)
}

func TestBRCode_KeyTooLong(t *testing.T) {
	_, err := Payload{Key: strings.Repeat("a", 90)}.BRCode()
	assert.ErrorIs(t, err, ErrFieldTooLong)
}

func TestQRCodePNG(t *testing.T) {
	png, err := QRCodePNG("00020126380014br.gov.bcb.pix", 0)
	require.NoError(t, err)
	assert.True(t, bytes.HasPrefix(png, []byte("\x89PNG")))

	_, err = QRCodePNG("", 128)
	assert.ErrorIs(t, err, ErrEmptyPayload)
}
