package auth

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/jmcleod/gatehouse/internal/util"
)

const (
	backupCodeCount     = 10
	backupCodeHalfLen   = 5
	backupCodeAADPrefix = "backup-codes:"
)

var backupCodeAlphabet = []rune("ABCDEFGHJKLMNPQRSTUVWXYZ23456789")

// generateBackupCodes returns backupCodeCount codes formatted XXXXX-XXXXX.
func generateBackupCodes() ([]string, error) {
	codes := make([]string, backupCodeCount)
	for i := range codes {
		raw, err := util.RandomString(2*backupCodeHalfLen, backupCodeAlphabet)
		if err != nil {
			return nil, fmt.Errorf("generating backup code: %w", err)
		}
		codes[i] = raw[:backupCodeHalfLen] + "-" + raw[backupCodeHalfLen:]
	}
	return codes, nil
}

func normalizeBackupCode(code string) string {
	code = strings.ToUpper(strings.TrimSpace(code))
	if len(code) == 2*backupCodeHalfLen && !strings.Contains(code, "-") {
		code = code[:backupCodeHalfLen] + "-" + code[backupCodeHalfLen:]
	}
	return code
}

// matchBackupCode returns the index of input in codes, comparing every
// entry in constant time.
func matchBackupCode(codes []string, input string) int {
	input = normalizeBackupCode(input)
	match := -1
	for i, c := range codes {
		if util.EqualStrings(c, input) && match < 0 {
			match = i
		}
	}
	return match
}

func (k *Keyring) sealBackupCodes(userID string, codes []string) (string, error) {
	data, err := json.Marshal(codes)
	if err != nil {
		return "", err
	}
	return k.seal(purposeBackupCodes, string(data), backupCodeAADPrefix+userID)
}

func (k *Keyring) openBackupCodes(userID, sealed string) ([]string, error) {
	plain, err := k.open(purposeBackupCodes, sealed, backupCodeAADPrefix+userID)
	if err != nil {
		return nil, fmt.Errorf("opening backup codes: %w", err)
	}
	var codes []string
	if err := json.Unmarshal([]byte(plain), &codes); err != nil {
		return nil, fmt.Errorf("decoding backup codes: %w", err)
	}
	return codes, nil
}
