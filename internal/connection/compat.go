package connection

import (
	"fmt"
	"strings"

	"github.com/codewiresh/unitywire/internal/config"
	"github.com/codewiresh/unitywire/internal/protocol"
)

// checkVersionLocked compares the first reported editor package version
// with the configured client version once per Conn.
func (c *Conn) checkVersionLocked(resp *protocol.Response) {
	if c.versionChecked {
		return
	}

	compat := c.config().Compat
	if compat.VersionMismatch == config.MismatchOff {
		c.versionChecked = true
		return
	}

	editor := strings.TrimSpace(resp.Version)
	if editor == "" || strings.EqualFold(editor, "unknown") {
		return
	}
	c.versionChecked = true
	c.editorVersion = editor

	client := strings.TrimSpace(compat.ClientVersion)
	if client == "" || strings.EqualFold(client, "unknown") || client == editor {
		return
	}

	if compat.VersionMismatch == config.MismatchError {
		c.versionErr = fmt.Errorf("%w: client v%s, editor package v%s", ErrVersionMismatch, client, editor)
		c.logger.Error("unity package version mismatch", "client", client, "editor", editor)
		return
	}
	c.logger.Warn("unity package version mismatch", "client", client, "editor", editor,
		"hint", "set compat.version_mismatch = \"error\" to fail fast")
}
