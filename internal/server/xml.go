package server

import (
	"encoding/xml"
	"errors"
	"io"
	"strings"
)

// WellFormedXML rejects documents that do not parse as XML. The broker
// runs it before applying a document-update; deeper schema validation is
// the editor's job.
func WellFormedXML(document string) error {
	dec := xml.NewDecoder(strings.NewReader(document))
	sawElement := false
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			if !sawElement {
				return errors.New("document has no root element")
			}
			return nil
		}
		if err != nil {
			return err
		}
		if _, ok := tok.(xml.StartElement); ok {
			sawElement = true
		}
	}
}
