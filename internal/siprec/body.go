package siprec

import (
	"bytes"
	"fmt"
	"mime/multipart"
	"net/textproto"
)

// buildMultipartBody assembles the INVITE body: an application/sdp part
// followed by the application/rs-metadata part (RFC 7866 section 6.3.1).
// Returns the body bytes and the Content-Type header value.
func buildMultipartBody(sdpBody, metadataBody []byte) ([]byte, string, error) {
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)

	sdpHeader := textproto.MIMEHeader{}
	sdpHeader.Set("Content-Type", "application/sdp")
	part, err := writer.CreatePart(sdpHeader)
	if err != nil {
		return nil, "", fmt.Errorf("create sdp part: %w", err)
	}
	if _, err := part.Write(sdpBody); err != nil {
		return nil, "", fmt.Errorf("write sdp part: %w", err)
	}

	metaHeader := textproto.MIMEHeader{}
	metaHeader.Set("Content-Type", MetadataContentType)
	metaHeader.Set("Content-Disposition", "recording-session")
	part, err = writer.CreatePart(metaHeader)
	if err != nil {
		return nil, "", fmt.Errorf("create metadata part: %w", err)
	}
	if _, err := part.Write(metadataBody); err != nil {
		return nil, "", fmt.Errorf("write metadata part: %w", err)
	}

	if err := writer.Close(); err != nil {
		return nil, "", fmt.Errorf("close multipart body: %w", err)
	}

	contentType := fmt.Sprintf("multipart/mixed;boundary=%s", writer.Boundary())
	return buf.Bytes(), contentType, nil
}
