package click

import (
	"crypto/md5" // #nosec G501 -- the gateway protocol mandates MD5 signatures
	"crypto/subtle"
	"encoding/hex"
	"strings"
)

// PrepareSign digests the prepare-request fields in the order the gateway
// documents: click_trans_id + service_id + secret + merchant_trans_id +
// amount + action + sign_time.
func PrepareSign(clickTransID, serviceID, secret, merchantTransID, amount, action, signTime string) string {
	return md5hex(clickTransID + serviceID + secret + merchantTransID + amount + action + signTime)
}

// CompleteSign is PrepareSign with merchant_prepare_id inserted after
// merchant_trans_id.
func CompleteSign(clickTransID, serviceID, secret, merchantTransID, merchantPrepareID, amount, action, signTime string) string {
	return md5hex(clickTransID + serviceID + secret + merchantTransID + merchantPrepareID + amount + action + signTime)
}

// VerifySign compares a claimed signature against the expected digest,
// case-insensitively as the gateway sends either case.
func VerifySign(expected, claimed string) bool {
	e := []byte(strings.ToLower(expected))
	c := []byte(strings.ToLower(claimed))
	if len(e) != len(c) {
		return false
	}
	return subtle.ConstantTimeCompare(e, c) == 1
}

func md5hex(s string) string {
	sum := md5.Sum([]byte(s)) // #nosec G401 -- protocol-mandated digest, not used for secrecy
	return hex.EncodeToString(sum[:])
}
