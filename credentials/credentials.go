//go:build tinygo

package credentials

import (
	_ "embed"
	"strings"
)

var (
	//go:embed ssid.text
	ssid string
	//go:embed password.text
	pass string
	//go:embed update_password.text
	updatePass string
)

// SSID returns the contents of ssid.text file predefined by user in this package.
// If your program is failing to compile it is because you need to create a ssid.text and password.text file
// in this package's directory containing the SSID and password of the network you wish to connect to.
//
// Deprecated: Marked as deprecated so IDE warns users agains its use. Your wifi password should be defined outside of this repo for security reasons!
func SSID() string {
	return strings.TrimSpace(ssid)
}

// Password returns the contents of password.text file predefined by user in this package.
//
// Deprecated: Marked as deprecated so IDE warns users agains its use. Your wifi password should be defined outside of this repo for security reasons!
func Password() string {
	return strings.TrimSpace(pass)
}

// UpdatePassword returns the contents of update_password.text, the value
// firmware uploads must carry in their Authorization header. Empty disables
// the check.
//
// Deprecated: Marked as deprecated so IDE warns users agains its use. Your update password should be defined outside of this repo for security reasons!
func UpdatePassword() string {
	return strings.TrimSpace(updatePass)
}
