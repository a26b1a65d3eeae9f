/*
Package s3 provides the S3 transport behind the remote storage tier.

Store implements types.RemoteStore: every item key maps to one object under
an optional prefix, and the object body is the encoded StorageItem envelope.
The remote tier adds retries and a circuit breaker on top, so Store methods
make a single attempt and report failures as store errors whose codes the
retry policy can classify:

	NoSuchKey / NotFound      ITEM_NOT_FOUND (never retried)
	NoSuchBucket              BUCKET_NOT_FOUND
	AccessDenied / Forbidden  ACCESS_DENIED
	deadline exceeded         CONNECTION_TIMEOUT
	other API errors          STORAGE_READ / STORAGE_WRITE / STORAGE_DELETE
	transport errors          NETWORK_ERROR

# Uploads

Envelopes at or above Config.MultipartThreshold are sent through the CargoShip
transporter, which splits them into concurrent multipart uploads. A failed
CargoShip upload falls back to a plain PutObject.

# Connections

ClientManager builds the SDK client from the default credential chain, or from
static credentials when AccessKeyID is set, and keeps a small ConnectionPool
of clients for concurrent callers. Endpoint and ForcePathStyle allow pointing
the store at S3-compatible services such as MinIO:

	store, err := s3.NewStore(ctx, &s3.Config{
		Bucket:         "tierstore",
		Endpoint:       "http://localhost:9000",
		ForcePathStyle: true,
	}, logger)
*/
package s3
