package main

import (
	"os"
	"path/filepath"
	"testing"
)

func TestFeaturesFor(t *testing.T) {
	tx := PaySimTransaction{Type: "CASH_OUT", Amount: 181, NameOrig: "C840083671", NameDest: "M38997010"}

	f, err := featuresFor(tx)
	if err != nil {
		t.Fatalf("featuresFor failed: %v", err)
	}
	if f["Source"] != float64(840083671) || f["Target"] != float64(38997010) {
		t.Errorf("unexpected accounts: %v", f)
	}
	if f["Weight"] != 181.0 || f["typeTrans"] != 1 {
		t.Errorf("unexpected amount or type: %v", f)
	}

	tests := []struct {
		name string
		tx   PaySimTransaction
	}{
		{"UnknownType", PaySimTransaction{Type: "WIRE", NameOrig: "C1", NameDest: "C2"}},
		{"BadOrigin", PaySimTransaction{Type: "DEBIT", NameOrig: "Cx", NameDest: "C2"}},
		{"EmptyDest", PaySimTransaction{Type: "DEBIT", NameOrig: "C1"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := featuresFor(tt.tx); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestReadPaySimCSV(t *testing.T) {
	path := filepath.Join(t.TempDir(), "paysim.csv")
	data := "step,type,amount,nameOrig,oldbalanceOrg,newbalanceOrig,nameDest,oldbalanceDest,newbalanceDest,isFraud,isFlaggedFraud\n" +
		"1,PAYMENT,9839.64,C1231006815,170136.0,160296.36,M1979787155,0.0,0.0,0,0\n" +
		"1,TRANSFER,181.0,C1305486145,181.0,0.0,C553264065,0.0,0.0,1,0\n" +
		"1,CASH_OUT,181.0,C840083671,181.0,0.0,C38997010,21182.0,0.0,1,0\n"
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatal(err)
	}

	all, err := readPaySimCSV(path, 0, false, 1.0)
	if err != nil {
		t.Fatalf("readPaySimCSV failed: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("expected 3 rows, got %d", len(all))
	}
	if all[0].NameOrig != "C1231006815" || all[0].Amount != 9839.64 || all[0].IsFraud {
		t.Errorf("unexpected first row: %+v", all[0])
	}

	fraud, _ := readPaySimCSV(path, 0, true, 1.0)
	if len(fraud) != 2 {
		t.Errorf("expected 2 fraud rows, got %d", len(fraud))
	}

	limited, _ := readPaySimCSV(path, 1, false, 1.0)
	if len(limited) != 1 {
		t.Errorf("expected limit to apply, got %d", len(limited))
	}

	bad := filepath.Join(t.TempDir(), "bad.csv")
	os.WriteFile(bad, []byte("step,amount\n1,2\n"), 0o600)
	if _, err := readPaySimCSV(bad, 0, false, 1.0); err == nil {
		t.Error("expected error for missing columns")
	}
}
