package probe

import "github.com/raspguard/raspguard-go/internal/domain"

// Score 已触发探针的权重之和
func Score(outcomes []domain.ProbeOutcome) int {
	total := 0
	for _, o := range outcomes {
		if o.Fired() {
			total += o.Weight
		}
	}
	return total
}

// Verdict 得分是否达到阈值，阈值小于 1 时按 1 处理
func Verdict(outcomes []domain.ProbeOutcome, threshold int) bool {
	if threshold < 1 {
		threshold = 1
	}
	return Score(outcomes) >= threshold
}

// AnyDetected 任一探针触发
func AnyDetected(outcomes []domain.ProbeOutcome) bool {
	for _, o := range outcomes {
		if o.Fired() {
			return true
		}
	}
	return false
}

// Inconclusive 任一探针无法给出结论
func Inconclusive(outcomes []domain.ProbeOutcome) bool {
	for _, o := range outcomes {
		if o.Status == domain.ProbeInconclusive {
			return true
		}
	}
	return false
}

// Find 按名称查找结果
func Find(outcomes []domain.ProbeOutcome, name string) (domain.ProbeOutcome, bool) {
	for _, o := range outcomes {
		if o.Probe == name {
			return o, true
		}
	}
	return domain.ProbeOutcome{}, false
}
