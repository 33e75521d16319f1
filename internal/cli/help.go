package cli

const appDescription = `goarchive reads and writes tar (ustar, pax, gnu), zip, cpio, ar, mtree,
warc and raw streams, stacked under any number of compression filters.

Archive targets (-f) may be a local path, "-" for stdin/stdout,
s3://bucket/key or an S3 object ARN. Extraction targets (-C) may also be
an s3://bucket/prefix.`

const createDescription = `Members are local paths, walked recursively, or s3:// objects.
Without --format and --filter both are guessed from the archive name:
out.tar.gz writes restricted pax through gzip, out.zip writes zip.
A --suffix of "date" inserts the current date (20060102) before the
extension.`

const extractDescription = `The input format and filters are detected from the stream.
Members restrict extraction to the named entries; with --wildcards they
are shell patterns. Attribute restoration failures are warnings and do
not stop the run.

Exit status is 0 on success, 1 when warnings were reported and 2 when
extraction stopped early.`

const listDescription = `Prints one entry per line. With -v the listing shows mode, owner, size
and modification time in the style of tar -tv.`
