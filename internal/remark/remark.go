// Package remark кодирует идентификатор пользователя в поле примечания платежа.
//
// Примечание выдаётся при оформлении покупки и возвращается провайдером в
// уведомлении. Подпись HMAC не даёт подставить чужой идентификатор.
package remark

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strconv"
	"strings"
)

const (
	prefix   = "cl"
	sep      = "-"
	macChars = 16
)

// ErrInvalidRemark возвращается для примечаний с неверным форматом или подписью.
var ErrInvalidRemark = errors.New("invalid remark")

// Codec подписывает и проверяет примечания.
type Codec struct {
	secret []byte
}

// NewCodec создаёт кодек с указанным секретом.
func NewCodec(secret string) *Codec {
	return &Codec{secret: []byte(secret)}
}

// Encode возвращает примечание вида cl-<id base36>-<mac>.
func (c *Codec) Encode(userID int64) string {
	id := strconv.FormatInt(userID, 36)
	return prefix + sep + id + sep + c.sign(id)
}

// Decode проверяет подпись и возвращает идентификатор пользователя.
func (c *Codec) Decode(value string) (int64, error) {
	if len(c.secret) == 0 {
		return 0, ErrInvalidRemark
	}

	parts := strings.Split(strings.TrimSpace(value), sep)
	if len(parts) != 3 || parts[0] != prefix || parts[1] == "" {
		return 0, ErrInvalidRemark
	}

	if !hmac.Equal([]byte(parts[2]), []byte(c.sign(parts[1]))) {
		return 0, ErrInvalidRemark
	}

	id, err := strconv.ParseInt(parts[1], 36, 64)
	if err != nil || id <= 0 {
		return 0, ErrInvalidRemark
	}

	return id, nil
}

func (c *Codec) sign(id string) string {
	mac := hmac.New(sha256.New, c.secret)
	mac.Write([]byte(id))
	return hex.EncodeToString(mac.Sum(nil))[:macChars]
}
