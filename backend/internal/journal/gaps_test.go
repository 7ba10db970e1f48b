package journal

import (
	"reflect"
	"testing"
)

func TestMissingRanges(t *testing.T) {
	// 连续完整：无缺口
	if gaps := MissingRanges([]int64{1, 2, 3, 4, 5}, 1, 5); len(gaps) != 0 {
		t.Fatalf("contiguous range should have no gaps, got %v", gaps)
	}

	// 穿孔序列：精确到每个子区间
	got := MissingRanges([]int64{1, 2, 5, 6, 9}, 1, 10)
	want := []Gap{{From: 3, To: 4}, {From: 7, To: 8}, {From: 10, To: 10}}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("gaps = %v, want %v", got, want)
	}

	// 起点之前就缺
	got = MissingRanges([]int64{3}, 1, 3)
	want = []Gap{{From: 1, To: 2}}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("leading gap = %v, want %v", got, want)
	}

	// 空输入：整个区间都缺
	got = MissingRanges(nil, 2, 4)
	want = []Gap{{From: 2, To: 4}}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("empty input = %v, want %v", got, want)
	}

	// 重复序号不影响结果
	got = MissingRanges([]int64{1, 1, 2, 2, 4}, 1, 4)
	want = []Gap{{From: 3, To: 3}}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("duplicates = %v, want %v", got, want)
	}

	// 退化区间
	if gaps := MissingRanges(nil, 5, 4); gaps != nil {
		t.Fatalf("inverted range should yield nil, got %v", gaps)
	}
}

func TestGapWidth(t *testing.T) {
	if w := (Gap{From: 3, To: 4}).Width(); w != 2 {
		t.Fatalf("width = %d, want 2", w)
	}
	if w := (Gap{From: 7, To: 7}).Width(); w != 1 {
		t.Fatalf("single-seq width = %d, want 1", w)
	}
}
