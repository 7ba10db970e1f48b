package journal

// Gap 缺失的连续序号子区间（闭区间）
type Gap struct {
	From int64 `json:"from"`
	To   int64 `json:"to"`
}

// Width 缺口宽度（缺了多少个序号）
func (g Gap) Width() int64 { return g.To - g.From + 1 }

// MissingRanges 给定 [from,to] 范围内实际存在的序号（升序、可含重复），
// 返回缺失的子区间。连续完整时返回空。
func MissingRanges(seqs []int64, from, to int64) []Gap {
	if to < from {
		return nil
	}
	var gaps []Gap
	next := from
	for _, s := range seqs {
		if s < next {
			continue
		}
		if s > next {
			gaps = append(gaps, Gap{From: next, To: s - 1})
		}
		next = s + 1
	}
	if next <= to {
		gaps = append(gaps, Gap{From: next, To: to})
	}
	return gaps
}
