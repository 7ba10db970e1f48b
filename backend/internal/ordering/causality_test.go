package ordering

import "testing"

// 场景：代码变更推进版本与哈希，执行记录挂到真实送审的代码上
func TestLedger_RecordChain(t *testing.T) {
	l := NewLedger()

	if got := l.Room("r1"); got.CodeVersion != 0 {
		t.Fatalf("fresh room should start at codeVersion 0, got %d", got.CodeVersion)
	}

	cs1 := l.RecordCodeChange("r1", "print('a')", 3)
	if cs1.CodeVersion != 1 || cs1.LastCodeChangeSequence != 3 {
		t.Fatalf("after first change: %+v", cs1)
	}
	cs2 := l.RecordCodeChange("r1", "print('b')", 4)
	if cs2.CodeVersion != 2 {
		t.Fatalf("code version should advance to 2, got %d", cs2.CodeVersion)
	}
	if cs2.LastCodeStateHash == cs1.LastCodeStateHash {
		t.Fatalf("different code must hash differently")
	}

	hash := HashCode("print('b')")
	cs3 := l.RecordExecution("r1", "exec-1", 5, hash)
	if cs3.ExecutionCount != 1 || cs3.LastExecutionSequence != 5 || cs3.LastExecutionID != "exec-1" {
		t.Fatalf("after execution: %+v", cs3)
	}
	if cs3.LastExecutionHash != cs3.LastCodeStateHash {
		t.Fatalf("execution of latest code should leave matching hashes: %+v", cs3)
	}
}

func TestHashCode_Deterministic(t *testing.T) {
	a := HashCode("x = 1")
	b := HashCode("x = 1")
	c := HashCode("x = 2")
	if a != b {
		t.Fatalf("hash must be deterministic: %s vs %s", a, b)
	}
	if a == c {
		t.Fatalf("distinct inputs collided: %s", a)
	}
	if len(a) != 16 {
		t.Fatalf("hash should be 16 hex chars, got %q", a)
	}
}

// 执行引用了尚未落账的代码变更序号：给出咨询性 issue，但不判 invalid
func TestValidateMessageSequence_Advisory(t *testing.T) {
	l := NewLedger()
	l.RecordCodeChange("r1", "code", 2)

	res := l.ValidateMessageSequence("r1", TypeCodeExecute, 5, Dependencies{CodeChangeSequence: 7})
	if !res.Valid {
		t.Fatalf("advisory validation must not flip Valid")
	}
	if len(res.Issues) != 1 {
		t.Fatalf("racing execute should produce one issue, got %v", res.Issues)
	}

	// 依赖已落账则干净
	clean := l.ValidateMessageSequence("r1", TypeCodeExecute, 5, Dependencies{CodeChangeSequence: 2})
	if len(clean.Issues) != 0 {
		t.Fatalf("satisfied dependency should be clean, got %v", clean.Issues)
	}

	// 非 execute 类型不参与校验
	chat := l.ValidateMessageSequence("r1", TypeChat, 9, Dependencies{CodeChangeSequence: 99})
	if len(chat.Issues) != 0 {
		t.Fatalf("non-execute messages are out of scope, got %v", chat.Issues)
	}
}

func TestValidateMessageSequence_NonAdvancingExecution(t *testing.T) {
	l := NewLedger()
	l.RecordExecution("r1", "exec-1", 6, HashCode("code"))

	res := l.ValidateMessageSequence("r1", TypeCodeExecute, 6, Dependencies{})
	if len(res.Issues) != 1 {
		t.Fatalf("non-advancing execution sequence should be flagged, got %v", res.Issues)
	}
}
