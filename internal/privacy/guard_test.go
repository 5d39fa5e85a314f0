package privacy

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGuard_SanitizePhone(t *testing.T) {
	g := NewGuard(nil)

	out := g.Sanitize("联系电话 13812345678 请回电")
	assert.Equal(t, "联系电话 138****5678 请回电", out)
	assert.Equal(t, int64(1), g.Stats()[CategoryPhone])
}

func TestGuard_SanitizeIDCard(t *testing.T) {
	g := NewGuard(nil)

	out := g.Sanitize("身份证 11010519900101123X")
	assert.Equal(t, "身份证 110105**********3X", out)
	assert.Equal(t, int64(1), g.Stats()[CategoryIDCard])
}

func TestGuard_SanitizeBankCard(t *testing.T) {
	g := NewGuard(nil)

	out := g.Sanitize("打款至 6222021234567890123")
	assert.Equal(t, "打款至 6222***********0123", out)
	assert.Equal(t, int64(1), g.Stats()[CategoryBankCard])
}

func TestGuard_SanitizeKeywords(t *testing.T) {
	g := NewGuard([]string{"内部项目"})

	out := g.Sanitize("内部项目预算已批")
	assert.Equal(t, "****预算已批", out)
	assert.Equal(t, int64(1), g.Stats()[CategoryKeyword])
}

func TestGuard_SanitizeIsIdempotent(t *testing.T) {
	g := NewGuard([]string{"机密"})

	text := "机密：13812345678 身份证 11010519900101123X"
	once := g.Sanitize(text)
	twice := g.Sanitize(once)
	assert.Equal(t, once, twice)
}

func TestGuard_SanitizeEmptyAndClean(t *testing.T) {
	g := NewGuard(nil)

	assert.Empty(t, g.Sanitize(""))

	clean := "滴滴出行 行程单 金额 58.50"
	assert.Equal(t, clean, g.Sanitize(clean))
	assert.Empty(t, g.Stats())
}

func TestGuard_SanitizeMap(t *testing.T) {
	g := NewGuard(nil)

	out := g.SanitizeMap(map[string]string{
		"vendor": "滴滴出行",
		"note":   "司机 13812345678",
	})
	assert.Equal(t, "滴滴出行", out["vendor"])
	assert.Equal(t, "司机 138****5678", out["note"])
}
