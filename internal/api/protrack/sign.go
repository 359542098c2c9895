package protrack

import (
	"crypto/md5"
	"encoding/hex"
	"strconv"
	"time"
)

// md5Hex 计算字符串的 md5 十六进制摘要
func md5Hex(input string) string {
	sum := md5.Sum([]byte(input))
	return hex.EncodeToString(sum[:])
}

// Signature 计算供应商要求的时间窗口签名
// 签名 = md5(md5(password) + epoch)，epoch 为当前时间向上取整到秒
// 这里的 md5 只是线上协议兼容要求，不构成安全边界
// 注意：epoch 随时间变化，每次重试都必须重新计算签名
func Signature(password string, now time.Time) (int64, string) {
	epoch := now.Unix()
	if now.Nanosecond() > 0 {
		epoch++
	}

	passwordHash := md5Hex(password)
	signature := md5Hex(passwordHash + strconv.FormatInt(epoch, 10))
	return epoch, signature
}
