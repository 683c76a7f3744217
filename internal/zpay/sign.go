// Package zpay ZPay（易支付协议）签名
package zpay

import (
	"crypto/md5"
	"crypto/subtle"
	"encoding/hex"
	"sort"
	"strings"
)

// Sign 计算签名：去掉空值和 sign/sign_type，按 key 排序拼接 k=v&k=v，末尾追加商户密钥后取 MD5
func Sign(params map[string]string, key string) string {
	keys := make([]string, 0, len(params))
	for k, v := range params {
		if k == "sign" || k == "sign_type" || v == "" {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for i, k := range keys {
		if i > 0 {
			b.WriteByte('&')
		}
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(params[k])
	}
	b.WriteString(key)

	sum := md5.Sum([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}

// Verify 校验通知签名
func Verify(params map[string]string, key string) bool {
	got := strings.ToLower(params["sign"])
	if got == "" || key == "" {
		return false
	}
	want := Sign(params, key)
	return subtle.ConstantTimeCompare([]byte(got), []byte(want)) == 1
}
