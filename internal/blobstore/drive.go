package blobstore

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"

	"google.golang.org/api/drive/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"otogi-markov/pkg/retry"
)

const (
	defaultDriveFolder = "markov-chains"
	driveFolderMIME    = "application/vnd.google-apps.folder"
	driveBlobMIME      = "application/octet-stream"
)

// DriveConfig configures the Google Drive backend.
type DriveConfig struct {
	// CredentialsFile points to a service account JSON key.
	CredentialsFile string `json:"credentials_file"`
	// CredentialsBase64 holds a base64 service account JSON key. ${VAR}
	// references are expanded from the environment.
	CredentialsBase64 string `json:"credentials_base64"`
	// FolderName is the Drive folder holding one file per key.
	FolderName string `json:"folder_name"`
}

func (c DriveConfig) credentials() ([]byte, error) {
	if encoded := strings.TrimSpace(os.ExpandEnv(c.CredentialsBase64)); encoded != "" {
		decoded, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			return nil, fmt.Errorf("decode credentials_base64: %w", err)
		}
		return decoded, nil
	}
	if c.CredentialsFile != "" {
		raw, err := os.ReadFile(os.ExpandEnv(c.CredentialsFile))
		if err != nil {
			return nil, fmt.Errorf("read credentials_file: %w", err)
		}
		return raw, nil
	}

	return nil, fmt.Errorf("missing credentials_file or credentials_base64")
}

// driveAPI is the subset of Drive file operations the store uses.
type driveAPI interface {
	find(ctx context.Context, query string) (string, bool, error)
	download(ctx context.Context, fileID string) ([]byte, error)
	create(ctx context.Context, file *drive.File, data []byte) (string, error)
	update(ctx context.Context, fileID string, data []byte) error
	remove(ctx context.Context, fileID string) error
}

// Drive stores each blob as one file named after its key inside a folder.
type Drive struct {
	api      driveAPI
	folderID string
}

// OpenDrive authenticates with a service account and resolves the folder,
// creating it when missing.
func OpenDrive(ctx context.Context, cfg DriveConfig, opts ...Option) (*Drive, error) {
	settings := applyOptions(opts)

	credentials, err := cfg.credentials()
	if err != nil {
		return nil, fmt.Errorf("open drive: %w", err)
	}
	service, err := drive.NewService(
		ctx,
		option.WithCredentialsJSON(credentials),
		option.WithScopes(drive.DriveScope),
	)
	if err != nil {
		return nil, fmt.Errorf("open drive: new service: %w", err)
	}

	folder := cfg.FolderName
	if folder == "" {
		folder = defaultDriveFolder
	}

	var store *Drive
	err = settings.retry.DoContext(ctx, func(ctx context.Context) error {
		opened, openErr := newDriveStore(ctx, &driveService{service: service}, folder)
		if openErr != nil {
			return openErr
		}
		store = opened
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("open drive folder %s: %w", folder, err)
	}

	settings.logger.InfoContext(ctx, "drive blob store opened", "folder", folder, "folder_id", store.folderID)

	return store, nil
}

func newDriveStore(ctx context.Context, api driveAPI, folder string) (*Drive, error) {
	query := fmt.Sprintf(
		"name = '%s' and mimeType = '%s' and trashed = false",
		escapeDriveQuery(folder),
		driveFolderMIME,
	)
	folderID, found, err := api.find(ctx, query)
	if err != nil {
		return nil, stopOnRejection(fmt.Errorf("find folder: %w", err))
	}
	if !found {
		folderID, err = api.create(ctx, &drive.File{Name: folder, MimeType: driveFolderMIME}, nil)
		if err != nil {
			return nil, stopOnRejection(fmt.Errorf("create folder: %w", err))
		}
	}

	return &Drive{api: api, folderID: folderID}, nil
}

// Get downloads the file named key. Errors from rejected requests are
// marked permanent for retry policies; see stopOnRejection.
func (d *Drive) Get(ctx context.Context, key string) ([]byte, bool, error) {
	fileID, found, err := d.lookup(ctx, key)
	if err != nil || !found {
		return nil, false, stopOnRejection(err)
	}

	data, err := d.api.download(ctx, fileID)
	if err != nil {
		if isDriveNotFound(err) {
			return nil, false, nil
		}
		return nil, false, stopOnRejection(fmt.Errorf("drive download %s: %w", key, err))
	}

	return data, true, nil
}

// Put replaces the file named key, creating it when missing.
func (d *Drive) Put(ctx context.Context, key string, data []byte) error {
	fileID, found, err := d.lookup(ctx, key)
	if err != nil {
		return stopOnRejection(err)
	}
	if found {
		if err := d.api.update(ctx, fileID, data); err != nil {
			return stopOnRejection(fmt.Errorf("drive update %s: %w", key, err))
		}
		return nil
	}

	if _, err := d.api.create(ctx, &drive.File{Name: key, Parents: []string{d.folderID}}, data); err != nil {
		return stopOnRejection(fmt.Errorf("drive create %s: %w", key, err))
	}

	return nil
}

// Delete removes the file named key. Missing files are not an error.
func (d *Drive) Delete(ctx context.Context, key string) error {
	fileID, found, err := d.lookup(ctx, key)
	if err != nil || !found {
		return stopOnRejection(err)
	}

	if err := d.api.remove(ctx, fileID); err != nil && !isDriveNotFound(err) {
		return stopOnRejection(fmt.Errorf("drive delete %s: %w", key, err))
	}

	return nil
}

// Close is a no-op; the HTTP client has no persistent resources to release.
func (d *Drive) Close() error {
	return nil
}

func (d *Drive) lookup(ctx context.Context, key string) (string, bool, error) {
	query := fmt.Sprintf(
		"name = '%s' and '%s' in parents and trashed = false",
		escapeDriveQuery(key),
		escapeDriveQuery(d.folderID),
	)
	fileID, found, err := d.api.find(ctx, query)
	if err != nil {
		return "", false, fmt.Errorf("drive lookup %s: %w", key, err)
	}

	return fileID, found, nil
}

func escapeDriveQuery(value string) string {
	value = strings.ReplaceAll(value, `\`, `\\`)
	return strings.ReplaceAll(value, `'`, `\'`)
}

// stopOnRejection marks 4xx API errors as permanent. Not found, request
// timeout and rate limiting stay retryable.
func stopOnRejection(err error) error {
	var apiErr *googleapi.Error
	if err == nil || !errors.As(err, &apiErr) {
		return err
	}
	switch apiErr.Code {
	case http.StatusNotFound, http.StatusRequestTimeout, http.StatusTooManyRequests:
		return err
	}
	if apiErr.Code >= 400 && apiErr.Code < 500 {
		return retry.Permanent(err)
	}

	return err
}

func isDriveNotFound(err error) bool {
	var apiErr *googleapi.Error
	return errors.As(err, &apiErr) && apiErr.Code == http.StatusNotFound
}

// driveService adapts *drive.Service to driveAPI.
type driveService struct {
	service *drive.Service
}

func (s *driveService) find(ctx context.Context, query string) (string, bool, error) {
	list, err := s.service.Files.List().
		Q(query).
		Fields("files(id, name)").
		PageSize(1).
		Context(ctx).
		Do()
	if err != nil {
		return "", false, err
	}
	if len(list.Files) == 0 {
		return "", false, nil
	}

	return list.Files[0].Id, true, nil
}

func (s *driveService) download(ctx context.Context, fileID string) ([]byte, error) {
	response, err := s.service.Files.Get(fileID).Context(ctx).Download()
	if err != nil {
		return nil, err
	}
	defer func() { _ = response.Body.Close() }()

	data, err := io.ReadAll(response.Body)
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}

	return data, nil
}

func (s *driveService) create(ctx context.Context, file *drive.File, data []byte) (string, error) {
	call := s.service.Files.Create(file).Fields("id").Context(ctx)
	if data != nil {
		call = call.Media(bytes.NewReader(data), googleapi.ContentType(driveBlobMIME))
	}

	created, err := call.Do()
	if err != nil {
		return "", err
	}

	return created.Id, nil
}

func (s *driveService) update(ctx context.Context, fileID string, data []byte) error {
	_, err := s.service.Files.Update(fileID, &drive.File{}).
		Media(bytes.NewReader(data), googleapi.ContentType(driveBlobMIME)).
		Context(ctx).
		Do()

	return err
}

func (s *driveService) remove(ctx context.Context, fileID string) error {
	return s.service.Files.Delete(fileID).Context(ctx).Do()
}

var _ Store = (*Drive)(nil)
