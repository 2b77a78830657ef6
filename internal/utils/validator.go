package utils

import (
	"crypto/rand"
	"encoding/hex"
	"regexp"
	"strings"
	"unicode/utf8"

	"golang.org/x/crypto/blake2b"
)

var (
	userIDPattern   = regexp.MustCompile(`^NYX-[A-Z0-9]{8}$`)
	nicknamePattern = regexp.MustCompile(`^[\p{L}\p{N}_.\- ]+$`)
)

const (
	NicknameMinLen = 3
	NicknameMaxLen = 32
	// SearchMinLen 是按昵称搜索的最短查询长度
	SearchMinLen = 3

	userIDAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
)

// ValidateUserID 验证 NYX-XXXXXXXX 格式
func ValidateUserID(id string) bool {
	return userIDPattern.MatchString(id)
}

// ValidateNickname 3-32 个字符, 字母数字下划线点横线空格, 首尾不能是空格
func ValidateNickname(nickname string) bool {
	n := utf8.RuneCountInString(nickname)
	if n < NicknameMinLen || n > NicknameMaxLen {
		return false
	}
	if strings.TrimSpace(nickname) != nickname {
		return false
	}
	return nicknamePattern.MatchString(nickname)
}

// GenerateUserID 生成随机的 NYX-XXXXXXXX
func GenerateUserID() string {
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		panic(err)
	}
	out := make([]byte, 0, 12)
	out = append(out, "NYX-"...)
	for _, b := range buf {
		out = append(out, userIDAlphabet[int(b)%len(userIDAlphabet)])
	}
	return string(out)
}

// KeyFingerprint 返回公钥的 BLAKE2b-256 指纹 (hex)
func KeyFingerprint(publicKey string) string {
	sum := blake2b.Sum256([]byte(publicKey))
	return hex.EncodeToString(sum[:])
}
