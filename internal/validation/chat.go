// Package validation checks user-supplied names before they reach storage.
package validation

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"
)

const (
	MaxChatNameLength = 100
	MaxFilenameLength = 255
)

var (
	controlCharRegex   = regexp.MustCompile(`\p{Cc}`)
	fileExtensionRegex = regexp.MustCompile(`^\.[A-Za-z0-9]{1,16}$`)
)

// ValidateChatName trims name and checks it can be shown as a group or space title.
func ValidateChatName(name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", errors.New("Chat name is required")
	}
	if utf8.RuneCountInString(name) > MaxChatNameLength {
		return "", fmt.Errorf("Chat name must be at most %d characters", MaxChatNameLength)
	}
	if controlCharRegex.MatchString(name) {
		return "", errors.New("Chat name contains invalid characters")
	}
	return name, nil
}

// ValidateAttachmentFilename checks a client filename for an upload. Only the
// extension is ever used in object keys, so directories are rejected rather
// than stripped.
func ValidateAttachmentFilename(filename string) error {
	filename = strings.TrimSpace(filename)
	if filename == "" || len(filename) > MaxFilenameLength {
		return fmt.Errorf("filename must be 1-%d characters", MaxFilenameLength)
	}
	if controlCharRegex.MatchString(filename) || strings.ContainsAny(filename, `/\`) {
		return errors.New("filename contains invalid characters")
	}
	if filename == "." || filename == ".." {
		return errors.New("filename is reserved")
	}
	if i := strings.LastIndex(filename, "."); i > 0 && !fileExtensionRegex.MatchString(filename[i:]) {
		return errors.New("filename has an invalid extension")
	}
	return nil
}
