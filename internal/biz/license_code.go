package biz

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"strings"
)

// 激活码字符集：去掉容易混淆的 0/O、1/I/L
const licenseCodeAlphabet = "ABCDEFGHJKMNPQRSTUVWXYZ23456789"

// CodeGenerator 激活码生成器
type CodeGenerator interface {
	Generate() (string, error)
}

type randomCodeGenerator struct {
	length int
}

// NewCodeGenerator 创建随机激活码生成器（长度 11 或 12）
func NewCodeGenerator(conf *LicenseConfig) CodeGenerator {
	length := 12
	if conf != nil && (conf.CodeLength == 11 || conf.CodeLength == 12) {
		length = conf.CodeLength
	}
	return &randomCodeGenerator{length: length}
}

func (g *randomCodeGenerator) Generate() (string, error) {
	max := big.NewInt(int64(len(licenseCodeAlphabet)))
	var b strings.Builder
	b.Grow(g.length)
	for i := 0; i < g.length; i++ {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", fmt.Errorf("generate license code: %w", err)
		}
		b.WriteByte(licenseCodeAlphabet[n.Int64()])
	}
	return b.String(), nil
}

// NormalizeCode 规范化用户输入的激活码（去空白、去分隔符、转大写）
func NormalizeCode(code string) string {
	code = strings.TrimSpace(code)
	code = strings.ReplaceAll(code, "-", "")
	code = strings.ReplaceAll(code, " ", "")
	return strings.ToUpper(code)
}
