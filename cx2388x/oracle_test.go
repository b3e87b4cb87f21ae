package cx2388x

import "testing"

func TestOracleOffByOneWithWrap(t *testing.T) {
	const numPages = 64
	bank := NewSimBank()
	oracle := NewCounterOracle(bank, MOVBIGPCnt, numPages)

	// Raw 0 means the device just wrapped: last completed page is N-1.
	bank.WriteRegister(MOVBIGPCnt, 0)
	page, err := oracle.CurrentWrittenPage()
	if err != nil {
		t.Fatalf("CurrentWrittenPage failed: %v", err)
	}
	if page != numPages-1 {
		t.Errorf("raw=0: CurrentWrittenPage()=%d, want %d", page, numPages-1)
	}

	// Raw k in [1, N) means the last completed page is k-1.
	for k := 1; k < numPages; k++ {
		bank.WriteRegister(MOVBIGPCnt, uint32(k))
		page, err = oracle.CurrentWrittenPage()
		if err != nil {
			t.Fatalf("raw=%d: CurrentWrittenPage failed: %v", k, err)
		}
		if page != k-1 {
			t.Errorf("raw=%d: CurrentWrittenPage()=%d, want %d", k, page, k-1)
		}
	}
}

func TestOracleReadsFreshEveryCall(t *testing.T) {
	bank := NewSimBank()
	oracle := NewCounterOracle(bank, MOVBIGPCnt, 8)
	bank.WriteRegister(MOVBIGPCnt, 3)
	if page, _ := oracle.CurrentWrittenPage(); page != 2 {
		t.Errorf("CurrentWrittenPage()=%d, want 2", page)
	}
	bank.WriteRegister(MOVBIGPCnt, 5)
	if page, _ := oracle.CurrentWrittenPage(); page != 4 {
		t.Errorf("after counter moved: CurrentWrittenPage()=%d, want 4", page)
	}
}
