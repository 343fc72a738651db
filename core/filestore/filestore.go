/*Package filestore is the file storage collaborator of the record engine.

File fields store driver references only; bytes live outside the database.
Two drivers exist: a local filesystem driver with signed URLs, and an AWS
S3 driver with presigned URLs.
*/
package filestore

import "time"

// Method is the HTTP method a presigned URL is valid for
type Method string

// the presignable methods
const (
	Get Method = "GET"
	Put Method = "PUT"
)

// Driver defines the interface for the file storage service
type Driver interface {
	GetPreSignedURL(method Method, key string, expireIn time.Duration) (URL string, err error)
	UploadData(key string, data []byte) error
	Delete(key string) error
	DeleteAllWithPrefix(prefix string) error
}

// DriverType represents the different types of filestore drivers
type DriverType string

// DriverTypeLocal is the local filesystem implementation
const DriverTypeLocal DriverType = "Local"

// DriverTypeAWSS3 is the AWS S3 implementation
const DriverTypeAWSS3 DriverType = "AWSS3"

// None is used when there is no filestore
const None DriverType = ""

// Configuration contains the configuration for the filestore
type Configuration struct {
	DriverType         DriverType
	LocalConfiguration *LocalConfiguration
	S3Configuration    *S3Configuration
}

// LocalConfiguration contains the configuration for the local filesystem driver
type LocalConfiguration struct {
	BasePath  string
	PublicURL string
	Secret    string
}

// S3Configuration contains the configuration for the S3 driver
type S3Configuration struct {
	AWSBucketName string
	AWSRegion     string
	AccessID      string
	AccessKey     string
	KeyPrefix     string
}
