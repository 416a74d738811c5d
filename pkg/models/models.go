// Package models defines the persistent entities of the service and the
// sentinel errors the metadata store returns for them.
package models

// AllModels returns every entity the store migrates, in dependency order.
func AllModels() []any {
	return []any{
		&User{},
		&Folder{},
		&File{},
		&FileDownloadIP{},
		&Quota{},
		&UploadSession{},
		&UploadSessionChunk{},
	}
}
