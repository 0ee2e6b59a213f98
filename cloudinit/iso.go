package cloudinit

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/kdomanski/iso9660"
)

// WriteISO renders the document into a NoCloud seed image in dir and returns
// its path. The image carries user-data and meta-data under the volume id
// "cidata", which is what cloud-init's NoCloud datasource looks for on a
// cdrom device.
func (d *Document) WriteISO(dir, vmName string) (string, error) {
	userData, err := d.UserData()
	if err != nil {
		return "", err
	}
	metaData := fmt.Sprintf("instance-id: nocloud\nlocal-hostname: %s\n", vmName)

	writer, err := iso9660.NewWriter()
	if err != nil {
		return "", fmt.Errorf("can't create ISO writer: %w", err)
	}
	defer func() {
		_ = writer.Cleanup()
	}()

	if err := writer.AddFile(strings.NewReader(userData), "user-data"); err != nil {
		return "", fmt.Errorf("can't add user-data: %w", err)
	}
	if err := writer.AddFile(strings.NewReader(metaData), "meta-data"); err != nil {
		return "", fmt.Errorf("can't add meta-data: %w", err)
	}

	isoPath := filepath.Join(dir, vmName+".iso")
	f, err := os.Create(isoPath)
	if err != nil {
		return "", fmt.Errorf("can't create ISO file: %w", err)
	}
	defer f.Close()

	if err := writer.WriteTo(f, "cidata"); err != nil {
		return "", fmt.Errorf("can't write ISO image: %w", err)
	}

	return isoPath, nil
}
