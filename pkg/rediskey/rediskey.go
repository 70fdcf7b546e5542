package rediskey

import "fmt"

// Licensing keys (global convention across services)
const (
	TenantPrefix      = "tenant"
	TenantCodePrefix  = "tenant:code"
	LicensePrefix     = "license"
	LicenseHashPrefix = "license:hash"
	LeasePrefix       = "lease"
)

func NamespaceKey(namespace, key string) string {
	return fmt.Sprintf("%s:%s", namespace, key)
}

// BuildTenantIDKey returns "tenant:{tenantID}"
func BuildTenantIDKey(tenantID string) string {
	return NamespaceKey(TenantPrefix, tenantID)
}

// BuildTenantCodeKey returns "tenant:code:{tenantCode}"
func BuildTenantCodeKey(code string) string {
	return NamespaceKey(TenantCodePrefix, code)
}

// BuildLicenseIDKey returns "license:{licenseID}"
func BuildLicenseIDKey(licenseID string) string {
	return NamespaceKey(LicensePrefix, licenseID)
}

// BuildLicenseHashKey returns "license:hash:{keyHash}"
func BuildLicenseHashKey(keyHash string) string {
	return NamespaceKey(LicenseHashPrefix, keyHash)
}

// BuildLeaseKey returns "lease:{licenseID}"
func BuildLeaseKey(licenseID string) string {
	return NamespaceKey(LeasePrefix, licenseID)
}
