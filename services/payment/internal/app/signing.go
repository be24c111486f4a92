package app

import (
	"crypto/sha512"
	"encoding/hex"
	"strings"
)

// paymentFields are the values covered by the request signature.
type paymentFields struct {
	Key         string
	TxnID       string
	Amount      string
	ProductInfo string
	FirstName   string
	Email       string
	UDF         [5]string
}

// requestHash signs an outbound payment request:
// key|txnid|amount|productinfo|firstname|email|udf1|udf2|udf3|udf4|udf5||||||salt
func requestHash(f paymentFields, salt string) string {
	parts := []string{f.Key, f.TxnID, f.Amount, f.ProductInfo, f.FirstName, f.Email}
	parts = append(parts, f.UDF[:]...)
	parts = append(parts, "", "", "", "", "", salt)
	return sha512Hex(strings.Join(parts, "|"))
}

// responseHash recomputes the signature of a gateway callback:
// [additionalCharges|]salt|status||||||udf5|udf4|udf3|udf2|udf1|email|firstname|productinfo|amount|txnid|key
func responseHash(f paymentFields, status, additionalCharges, salt string) string {
	parts := make([]string, 0, 19)
	if additionalCharges != "" {
		parts = append(parts, additionalCharges)
	}
	parts = append(parts, salt, status, "", "", "", "", "")
	for i := len(f.UDF) - 1; i >= 0; i-- {
		parts = append(parts, f.UDF[i])
	}
	parts = append(parts, f.Email, f.FirstName, f.ProductInfo, f.Amount, f.TxnID, f.Key)
	return sha512Hex(strings.Join(parts, "|"))
}

func sha512Hex(s string) string {
	sum := sha512.Sum512([]byte(s))
	return hex.EncodeToString(sum[:])
}
