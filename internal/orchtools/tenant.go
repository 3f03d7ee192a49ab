package orchtools

import (
	"fmt"
	"path/filepath"
)

// TenantProfileDir returns the per-pair configuration directory under
// confDir for (tenant, profile).
func TenantProfileDir(confDir, tenant, profile string) string {
	return filepath.Join(confDir, fmt.Sprintf("tenant_%s_profile_%s", tenant, profile))
}

// TenantProfileSettingsFile returns the path of the sibling settings
// file for (tenant, profile) — it lives next to, not inside, the pair's
// directory.
func TenantProfileSettingsFile(confDir, tenant, profile string) string {
	return filepath.Join(confDir, fmt.Sprintf("tenant_%s_profile_%s_settings.json", tenant, profile))
}

// DeleteVirtualTenantProfileFiles removes the tenant/profile pair's
// directory and its settings sibling. Missing files are not an error.
func DeleteVirtualTenantProfileFiles(tenant, profile, confDir string) error {
	if err := RemoveDirectory(TenantProfileDir(confDir, tenant, profile), true); err != nil {
		return fmt.Errorf("delete tenant profile dir: %w", err)
	}
	if err := RemoveFile(TenantProfileSettingsFile(confDir, tenant, profile)); err != nil {
		return fmt.Errorf("delete tenant profile settings: %w", err)
	}
	return nil
}
