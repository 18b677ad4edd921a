package privacy

import "github.com/apk-analysis/device-posture-go/internal/domain"

// categoryPermissions 权限类别与对应权限，持有任一权限即属于该类别
var categoryPermissions = []struct {
	Category    domain.PermissionCategory
	Permissions []string
}{
	{domain.CategoryCamera, []string{"CAMERA"}},
	{domain.CategoryMicrophone, []string{"RECORD_AUDIO"}},
	{domain.CategoryLocation, []string{"ACCESS_FINE_LOCATION", "ACCESS_COARSE_LOCATION"}},
	{domain.CategoryBackgroundLocation, []string{"ACCESS_BACKGROUND_LOCATION"}},
	{domain.CategoryContacts, []string{"READ_CONTACTS", "WRITE_CONTACTS", "GET_ACCOUNTS"}},
	{domain.CategorySMS, []string{"READ_SMS", "SEND_SMS", "RECEIVE_SMS", "RECEIVE_MMS"}},
	{domain.CategoryCallLog, []string{"READ_CALL_LOG", "WRITE_CALL_LOG", "PROCESS_OUTGOING_CALLS"}},
	{domain.CategoryStorage, []string{"READ_EXTERNAL_STORAGE", "WRITE_EXTERNAL_STORAGE", "MANAGE_EXTERNAL_STORAGE",
		"READ_MEDIA_IMAGES", "READ_MEDIA_VIDEO", "READ_MEDIA_AUDIO"}},
}

// Categories 应用所属的权限类别
func Categories(app domain.AppRecord) map[domain.PermissionCategory]bool {
	out := make(map[domain.PermissionCategory]bool, len(categoryPermissions))
	for _, c := range categoryPermissions {
		if app.Permissions.HasAny(c.Permissions...) {
			out[c.Category] = true
		}
	}
	return out
}
