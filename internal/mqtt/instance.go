package mqtt

import "github.com/google/uuid"

// InstanceID derives the HA device identifier from the device base URL.
// The same URL always yields the same ID, so entity history survives
// restarts and renames of device_name without anything stored on disk.
func InstanceID(deviceURL string) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(deviceURL)).String()
}
