package mailbox

import "strings"

const Inbox = "INBOX"

// Logical folder names understood by the API.
const (
	FolderTrash   = "trash"
	FolderSent    = "sent"
	FolderArchive = "archive"
	FolderDrafts  = "drafts"
	FolderJunk    = "junk"
)

var specialUse = map[string]string{
	FolderTrash:   `\Trash`,
	FolderSent:    `\Sent`,
	FolderArchive: `\Archive`,
	FolderDrafts:  `\Drafts`,
	FolderJunk:    `\Junk`,
}

// Provider-specific spellings, most common first.
var folderAliases = map[string][]string{
	FolderTrash:   {"Trash", "[Gmail]/Trash", "Deleted Items", "Deleted Messages", "Bin", "INBOX.Trash"},
	FolderSent:    {"Sent", "[Gmail]/Sent Mail", "Sent Items", "Sent Messages", "INBOX.Sent"},
	FolderArchive: {"Archive", "[Gmail]/All Mail", "Archives", "INBOX.Archive"},
	FolderDrafts:  {"Drafts", "[Gmail]/Drafts", "INBOX.Drafts"},
	FolderJunk:    {"Junk", "Spam", "[Gmail]/Spam", "Junk E-mail", "INBOX.Junk"},
}

// IsLogical reports whether name is one of the logical folder names.
func IsLogical(name string) bool {
	_, ok := folderAliases[strings.ToLower(name)]
	return ok
}

// ResolveFolder maps a requested folder name to the server's folder. Logical
// names are matched by SPECIAL-USE attribute first, then by known aliases.
// A logical name with no match falls back to its usual spelling; anything
// else is returned unchanged.
func ResolveFolder(name string, folders []Folder) string {
	key := strings.ToLower(strings.TrimSpace(name))
	if key == "" || key == "inbox" {
		return Inbox
	}
	aliases, ok := folderAliases[key]
	if !ok {
		return name
	}

	attr := specialUse[key]
	for _, f := range folders {
		if strings.EqualFold(f.SpecialUse, attr) {
			return f.Name
		}
		for _, a := range f.Attributes {
			if strings.EqualFold(a, attr) {
				return f.Name
			}
		}
	}
	for _, alias := range aliases {
		for _, f := range folders {
			if strings.EqualFold(f.Name, alias) {
				return f.Name
			}
		}
	}
	return aliases[0]
}
