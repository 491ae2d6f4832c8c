// Package validation содержит функции валидации входных данных.
package validation

import (
	"net/url"
	"strings"
)

const maxLinkLength = 2048

// IsValidLink проверяет ссылку или хэндл назначения заказа.
// Допускается http(s)-URL либо короткая строка без пробелов (например, @username).
func IsValidLink(link string) bool {
	link = strings.TrimSpace(link)
	if link == "" || len(link) > maxLinkLength {
		return false
	}
	if strings.ContainsAny(link, " \t\r\n") {
		return false
	}

	if strings.HasPrefix(link, "http://") || strings.HasPrefix(link, "https://") {
		u, err := url.Parse(link)
		if err != nil {
			return false
		}
		return u.Host != ""
	}

	return true
}
