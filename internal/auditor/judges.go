package auditor

import (
	"context"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/moltbot/ledgerd/internal/model"
)

// Verdict 单个裁判的裁决
type Verdict struct {
	Judge    string `json:"judge"`
	Pass     bool   `json:"pass"`
	Critical bool   `json:"critical"` // 一票否决
	Reason   string `json:"reason"`
}

// Input 审计输入
type Input struct {
	Entry      *model.LedgerEntry
	Confidence float64
	Degraded   bool
}

// Judge 独立裁判，各审一个维度
type Judge interface {
	Name() string
	Judge(ctx context.Context, in *Input) Verdict
}

// complianceJudge 合规裁判：敏感词与红线关键词
type complianceJudge struct {
	redLines []string
}

func (j *complianceJudge) Name() string { return "compliance" }

func (j *complianceJudge) Judge(ctx context.Context, in *Input) Verdict {
	text := in.Entry.Vendor + " " + in.Entry.Category
	for _, word := range j.redLines {
		if word != "" && strings.Contains(text, word) {
			return Verdict{
				Judge:    j.Name(),
				Pass:     false,
				Critical: true,
				Reason:   fmt.Sprintf("red line keyword %q", word),
			}
		}
	}
	return Verdict{Judge: j.Name(), Pass: true, Reason: "no red line hit"}
}

// financeJudge 财务裁判：金额分档升级
// T1 以内线性放行，T1 以上要求高置信度，10×T1 以上一律转严
type financeJudge struct {
	tier1 decimal.Decimal
}

func (j *financeJudge) Name() string { return "finance" }

func (j *financeJudge) Judge(ctx context.Context, in *Input) Verdict {
	amount := in.Entry.Amount.Abs()
	tier2 := j.tier1.Mul(decimal.NewFromInt(10))

	switch {
	case amount.GreaterThan(tier2):
		return Verdict{
			Judge:  j.Name(),
			Pass:   false,
			Reason: fmt.Sprintf("amount %s exceeds extreme tier %s", amount.StringFixed(2), tier2.StringFixed(2)),
		}
	case amount.GreaterThan(j.tier1):
		if in.Confidence >= 0.9 && !in.Degraded {
			return Verdict{Judge: j.Name(), Pass: true,
				Reason: fmt.Sprintf("amount above tier1 but confidence %.2f", in.Confidence)}
		}
		return Verdict{
			Judge:  j.Name(),
			Pass:   false,
			Reason: fmt.Sprintf("amount %s above tier1 %s with confidence %.2f", amount.StringFixed(2), j.tier1.StringFixed(2), in.Confidence),
		}
	default:
		return Verdict{Judge: j.Name(), Pass: true, Reason: "amount within tier1"}
	}
}

// taxJudge 税务裁判：供应商与科目的合理性
type taxJudge struct{}

func (j *taxJudge) Name() string { return "tax" }

// implausiblePairs 科目前缀与供应商关键词的明显冲突组合
// 仅兜底显而易见的错配，细粒度偏离交给历史一致性
var implausiblePairs = []struct {
	categoryPrefix string
	vendorKeyword  string
}{
	{"6601", "软件"}, // 差旅费挂软件供应商
	{"6601", "云计算"},
	{"6602-03", "酒店"}, // 办公费挂酒店
}

func (j *taxJudge) Judge(ctx context.Context, in *Input) Verdict {
	if !model.ValidCategory(in.Entry.Category) {
		return Verdict{
			Judge:    j.Name(),
			Pass:     false,
			Critical: true,
			Reason:   fmt.Sprintf("malformed category code %q", in.Entry.Category),
		}
	}
	for _, pair := range implausiblePairs {
		if strings.HasPrefix(in.Entry.Category, pair.categoryPrefix) &&
			strings.Contains(in.Entry.Vendor, pair.vendorKeyword) {
			return Verdict{
				Judge:  j.Name(),
				Pass:   false,
				Reason: fmt.Sprintf("vendor %q implausible for category %s", in.Entry.Vendor, in.Entry.Category),
			}
		}
	}
	return Verdict{Judge: j.Name(), Pass: true, Reason: "vendor/category plausible"}
}
